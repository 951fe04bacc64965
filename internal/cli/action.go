package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandon/mail-syncback/internal/actions"
	"github.com/brandon/mail-syncback/internal/store"
	"github.com/brandon/mail-syncback/pkg/types"
)

func newActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Enqueue and inspect syncback actions",
	}
	cmd.AddCommand(newActionEnqueueCmd())
	cmd.AddCommand(newActionListCmd())
	cmd.AddCommand(newActionDrainCmd())
	return cmd
}

// enqueueAction validates an action against the account's handler table and persists it
func enqueueAction(ctx context.Context, st *store.Store, registry *actions.Registry, a *types.Action) error {
	acct, err := st.GetAccount(ctx, a.AccountID)
	if err != nil {
		return err
	}
	if !registry.Supports(a.Kind, acct.Provider) {
		kinds := registry.Kinds(acct.Provider)
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		return fmt.Errorf("action %s is not supported for %s accounts (supported: %s)",
			a.Kind, acct.Provider, strings.Join(names, ", "))
	}
	if a.TargetID == "" {
		return fmt.Errorf("--target is required")
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return fmt.Errorf("--payload is not valid JSON")
	}
	return st.EnqueueAction(ctx, a)
}

func newActionEnqueueCmd() *cobra.Command {
	var accountFlag, kindFlag, targetFlag, payloadFlag string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local change to replay on the server",
		Example: `  syncbackd action enqueue --account work --kind set-starred --target msg-1 --payload '{"value":true}'
  syncbackd action enqueue --account work --kind move --target msg-1 --payload '{"destination":"cat-archive"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if err := registerAccounts(ctx, e); err != nil {
				return err
			}
			a := &types.Action{
				AccountID: accountFlag,
				Kind:      types.ActionKind(kindFlag),
				TargetID:  targetFlag,
			}
			if payloadFlag != "" {
				a.Payload = json.RawMessage(payloadFlag)
			}
			if err := enqueueAction(ctx, e.store, actions.NewRegistry(e.logger), a); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "enqueue", Account: a.AccountID, ID: a.ID})
			}
			fmt.Printf("Enqueued %s %s for %s.\n", a.Kind, a.ID, a.TargetID)
			return nil
		},
	}

	cmd.Flags().StringVar(&accountFlag, "account", "", "account id")
	cmd.Flags().StringVar(&kindFlag, "kind", "", "action kind, e.g. set-starred, move, save-draft")
	cmd.Flags().StringVar(&targetFlag, "target", "", "id of the message, category or draft the action applies to")
	cmd.Flags().StringVar(&payloadFlag, "payload", "", "JSON payload of the action")
	cmd.MarkFlagRequired("account")
	cmd.MarkFlagRequired("kind")
	return cmd
}

func newActionListCmd() *cobra.Command {
	var accountFlag, statusFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List syncback actions in enqueue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListActions(cmd.Context(), store.ActionFilter{
				AccountID: accountFlag,
				Status:    types.ActionStatus(statusFlag),
				Limit:     limitFlag,
			})
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(list)
			}
			return printActions(list)
		},
	}

	cmd.Flags().StringVar(&accountFlag, "account", "", "only actions of this account")
	cmd.Flags().StringVar(&statusFlag, "status", "", "only actions in this status")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "maximum number of actions")
	return cmd
}

func printActions(list []*types.Action) error {
	if len(list) == 0 {
		fmt.Println("No actions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tKIND\tTARGET\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, a := range list {
		next := ""
		if !a.Status.Terminal() {
			next = a.NextAttemptAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.AccountID, a.Kind, a.TargetID, a.Status, a.Attempts, next, a.LastError)
	}
	return w.Flush()
}

func newActionDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Execute every due action once in the foreground",
		Long: `Execute every due action once in the foreground.

Each account is drained under its lease, so accounts a running daemon
supervises are skipped and left to the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if err := registerAccounts(ctx, e); err != nil {
				return err
			}
			eng := newEngine(e)
			defer eng.Close()

			n, err := eng.dispatcher.DrainPending(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "drain", Count: n})
			}
			fmt.Printf("Executed %d action(s).\n", n)
			return nil
		},
	}
}

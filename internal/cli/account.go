package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandon/mail-syncback/internal/config"
	"github.com/brandon/mail-syncback/internal/credential"
	"github.com/brandon/mail-syncback/internal/reliability"
	"github.com/brandon/mail-syncback/pkg/types"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and control account sync",
	}
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountStartCmd())
	cmd.AddCommand(newAccountStopCmd())
	cmd.AddCommand(newAccountSyncCmd())
	cmd.AddCommand(newAccountFoldersCmd())
	cmd.AddCommand(newAccountSetPasswordCmd())
	cmd.AddCommand(newAccountForgetPasswordCmd())
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and their sync state",
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
			accounts, err := e.store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(accounts)
			}
			return printAccounts(os.Stdout, accounts, e.cfg.AccountNames())
		},
	}
}

// printAccounts renders the account table. Accounts missing from the config
// file are still in the store and are marked as removed.
func printAccounts(out io.Writer, accounts []*types.Account, configured []string) error {
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts configured.")
		return nil
	}
	inConfig := make(map[string]bool, len(configured))
	for _, name := range configured {
		inConfig[name] = true
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tSTATE\tSHOULD RUN\tHOST\tLAST ERROR")
	for _, a := range accounts {
		id := a.ID
		if !inConfig[a.ID] {
			id += " (removed)"
		}
		state := string(a.SyncState)
		if a.StopRequested {
			state += " (stopping)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			id, a.Email, a.Provider, state, a.SyncShouldRun, a.SyncHost, a.Status.SyncError)
	}
	return w.Flush()
}

func newAccountStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [account]",
		Short: "Ask the daemon to start syncing an account",
		Args:  cobra.ExactArgs(1),
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
			if err := e.store.RequestStart(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to request start: %w", err)
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "start", Account: args[0]})
			}
			fmt.Printf("Start requested for %s; a running daemon picks it up on its next sweep.\n", args[0])
			return nil
		},
	}
}

func newAccountStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [account]",
		Short: "Ask the account's supervisor to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.RequestStop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to request stop: %w", err)
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "stop", Account: args[0]})
			}
			fmt.Printf("Stop requested for %s.\n", args[0])
			return nil
		},
	}
}

func newAccountSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account]",
		Short: "Run one folder and UID sync pass in the foreground",
		Args:  cobra.ExactArgs(1),
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
			acct, err := e.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}

			eng := newEngine(e)
			defer eng.Close()

			start := time.Now()
			err = reliability.RetryWithBackoff(ctx, e.cfg.Retry, func() error {
				return eng.syncer.SyncAccount(ctx, acct)
			})
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "sync", Account: acct.ID})
			}
			fmt.Printf("Synced %s in %s.\n", acct.ID, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newAccountSetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-password [account]",
		Short: "Store an account's IMAP password in the system keyring (read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfigured(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Password for %s: ", args[0])
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("password is empty")
			}

			ring, err := credential.Open()
			if err != nil {
				return err
			}
			if err := credential.NewStore(ring).SetPassword(args[0], password); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr)
			fmt.Printf("Password stored for %s.\n", args[0])
			return nil
		},
	}
}

func newAccountForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password [account]",
		Short: "Remove an account's IMAP password from the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := credential.Open()
			if err != nil {
				return err
			}
			if err := credential.NewStore(ring).DeletePassword(args[0]); err != nil {
				return err
			}
			fmt.Printf("Password removed for %s.\n", args[0])
			return nil
		},
	}
}

// requireConfigured fails unless the config file defines the account
func requireConfigured(name string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	_, err = cfg.GetAccountByName(name)
	return err
}

func newAccountFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders [account]",
		Short: "List the folders and labels last seen on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			categories, err := e.store.ListCategories(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(categories)
			}
			if len(categories) == 0 {
				fmt.Println("No folders synced yet.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tTYPE")
			for _, c := range categories {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.DisplayName, c.Name, c.Type)
			}
			return w.Flush()
		},
	}
}

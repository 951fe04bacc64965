package actions

import (
	"context"
	"strings"

	"github.com/brandon/mail-syncback/internal/connpool"
	"github.com/brandon/mail-syncback/pkg/types"
)

// Fastmail keeps user folders under INBOX, so create and rename address
// "INBOX<delim><name>" and record that path on the category. The generic
// family uses names verbatim; any other server that nests folders under
// INBOX (Courier, older Cyrus) needs provider "fastmail" in its account
// config to get the prefix.
func fastmailHandlers() map[types.ActionKind]Handler {
	return map[types.ActionKind]Handler{
		types.ActionCreateFolder: createFolder(inboxPath),
		types.ActionUpdateFolder: updateFolder(inboxPath),
	}
}

func inboxPath(ctx context.Context, s *connpool.Session, name string) (string, error) {
	delim, err := s.Delimiter(ctx)
	if err != nil {
		return "", err
	}
	prefix := "INBOX" + delim
	if strings.EqualFold(name, "INBOX") || strings.HasPrefix(strings.ToUpper(name), strings.ToUpper(prefix)) {
		return name, nil
	}
	return prefix + name, nil
}

package email

import (
	"strings"

	"github.com/brandon/mail-syncback/pkg/types"
)

// specialUseRoles maps RFC 6154 special-use attributes to roles
var specialUseRoles = map[string]types.Role{
	`\sent`:      types.RoleSent,
	`\drafts`:    types.RoleDrafts,
	`\trash`:     types.RoleTrash,
	`\junk`:      types.RoleSpam,
	`\archive`:   types.RoleArchive,
	`\all`:       types.RoleAll,
	`\flagged`:   types.RoleStarred,
	`\important`: types.RoleImportant,
}

// wellKnownNames covers servers without SPECIAL-USE. Keys are lowercase.
var wellKnownNames = map[string]types.Role{
	"inbox":                    types.RoleInbox,
	"sent":                     types.RoleSent,
	"sent items":               types.RoleSent,
	"sent messages":            types.RoleSent,
	"sent mail":                types.RoleSent,
	"[gmail]/sent mail":        types.RoleSent,
	"[google mail]/sent mail":  types.RoleSent,
	"drafts":                   types.RoleDrafts,
	"draft":                    types.RoleDrafts,
	"[gmail]/drafts":           types.RoleDrafts,
	"[google mail]/drafts":     types.RoleDrafts,
	"trash":                    types.RoleTrash,
	"bin":                      types.RoleTrash,
	"deleted items":            types.RoleTrash,
	"deleted messages":         types.RoleTrash,
	"[gmail]/trash":            types.RoleTrash,
	"[gmail]/bin":              types.RoleTrash,
	"[google mail]/trash":      types.RoleTrash,
	"spam":                     types.RoleSpam,
	"junk":                     types.RoleSpam,
	"junk mail":                types.RoleSpam,
	"junk e-mail":              types.RoleSpam,
	"bulk mail":                types.RoleSpam,
	"[gmail]/spam":             types.RoleSpam,
	"[google mail]/spam":       types.RoleSpam,
	"archive":                  types.RoleArchive,
	"archives":                 types.RoleArchive,
	"[gmail]/all mail":         types.RoleAll,
	"[google mail]/all mail":   types.RoleAll,
	"[gmail]/important":        types.RoleImportant,
	"[google mail]/important":  types.RoleImportant,
	"[gmail]/starred":          types.RoleStarred,
	"[google mail]/starred":    types.RoleStarred,
}

// RoleForFolder derives the canonical role of a mailbox. Special-use
// attributes win over names; names nested under INBOX (INBOX.Sent Items) are
// matched on their leaf.
func RoleForFolder(name, delimiter string, attrs []string) types.Role {
	for _, attr := range attrs {
		if role, ok := specialUseRoles[strings.ToLower(attr)]; ok {
			return role
		}
	}

	lower := strings.ToLower(name)
	if role, ok := wellKnownNames[lower]; ok {
		return role
	}

	if delimiter != "" {
		prefix := "inbox" + strings.ToLower(delimiter)
		if strings.HasPrefix(lower, prefix) {
			if role, ok := wellKnownNames[strings.TrimPrefix(lower, prefix)]; ok && role != types.RoleInbox {
				return role
			}
		}
	}
	return types.RoleNone
}

// hasAttribute checks if a folder has a specific IMAP attribute
func hasAttribute(attrs []string, target string) bool {
	for _, attr := range attrs {
		if strings.EqualFold(attr, target) {
			return true
		}
	}
	return false
}

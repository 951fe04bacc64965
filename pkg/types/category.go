package types

// Role is the canonical name of a special folder
type Role string

const (
	RoleNone      Role = ""
	RoleInbox     Role = "inbox"
	RoleSent      Role = "sent"
	RoleDrafts    Role = "drafts"
	RoleTrash     Role = "trash"
	RoleSpam      Role = "spam"
	RoleArchive   Role = "archive"
	RoleAll       Role = "all"
	RoleImportant Role = "important"
	RoleStarred   Role = "starred"
)

// CategoryType tells folders apart from labels
type CategoryType string

const (
	CategoryFolder CategoryType = "folder"
	CategoryLabel  CategoryType = "label"
)

// Category is a folder or label belonging to an account
type Category struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	Name        Role         `json:"name,omitempty"`
	DisplayName string       `json:"display_name"`
	Type        CategoryType `json:"type"`
}

// FolderInfo describes a remote folder as returned by a folder listing
type FolderInfo struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter"`
	Attributes []string `json:"attributes,omitempty"`
	Role       Role     `json:"role,omitempty"`
	Selectable bool     `json:"selectable"`
}

// RoleMap maps canonical roles to the remote folder names holding them
type RoleMap map[Role][]string

// First returns the first folder recorded for a role
func (m RoleMap) First(role Role) (string, bool) {
	names := m[role]
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

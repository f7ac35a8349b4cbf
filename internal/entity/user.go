package entity

// UserSnapshot is a structurally frozen copy of directory attributes
// captured at a decision moment (approver resolution, requester capture,
// manager lookup). It is never re-resolved once embedded in a ticket or
// step record.
type UserSnapshot struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Unresolved  bool   `json:"unresolved,omitempty"`
}

// UnresolvedManager is returned by the directory adapter when a manager
// lookup cannot be satisfied; callers must not fail the surrounding
// operation on this alone (spec §6.3).
var UnresolvedManager = UserSnapshot{
	DisplayName: "Manager (directory unavailable)",
	Unresolved:  true,
}

// Actor is the identity performing an engine call.
type Actor struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) Snapshot() UserSnapshot {
	return UserSnapshot{ID: a.UserID, Email: a.Email, DisplayName: a.DisplayName}
}

// DirectoryUser is the local directory record a CachedAdapter's Source
// resolves against (spec §6.3 names the directory adapter contract only;
// this is the minimal concrete backing store for it, not the enterprise
// identity provider itself).
type DirectoryUser struct {
	UserID      string      `json:"user_id" gorm:"primaryKey;type:varchar(36)"`
	Email       string      `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	DisplayName string      `json:"display_name" gorm:"type:varchar(255)"`
	ManagerID   string      `json:"manager_id" gorm:"type:varchar(36);index"`
	Roles       StringSlice `json:"roles" gorm:"type:jsonb"`
}

func (DirectoryUser) TableName() string { return "directory_users" }

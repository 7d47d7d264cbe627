package domain

type Role string

const (
	RoleClient    Role = "client"
	RoleCraftsman Role = "craftsman"
)

// UnknownUserName is shown for senders whose profile was not populated.
const UnknownUserName = "Unknown User"

type UserSummary struct {
	ID       string
	FullName string
	Avatar   string
	Role     Role
}

func (u UserSummary) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.ID != "" {
		return u.ID
	}
	return UnknownUserName
}

package core

// Role identifies the author of a conversation turn. The two values match
// the on-disk history document, so they are part of the persisted format.
type Role string

const (
	RoleUser Role = "User"
	RoleAI   Role = "AI"
)

// Turn is one message exchange unit. Turns are immutable once created;
// a chat interaction always appends a (User, AI) pair in that order.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

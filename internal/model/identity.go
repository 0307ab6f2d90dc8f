package model

type Role string

const (
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	return r == RoleStaff || r == RoleCustomer
}

// Identity is an authenticated principal attached to a connection.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

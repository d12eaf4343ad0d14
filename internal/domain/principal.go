package domain

// Role: роль аутентифицированного принципала.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Principal: результат проверки учётных данных.
type Principal struct {
	UserID int64
	Role   Role
}

// IsAdmin сообщает, может ли принципал выполнять административные операции.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

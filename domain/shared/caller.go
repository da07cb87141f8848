package shared

import "strconv"

// Role 调用方角色
type Role string

const (
	RoleCustomer  Role = "Customer"
	RoleDeliverer Role = "Deliverer"
	RoleAdmin     Role = "Admin"
	// RoleSystem is used by in-process jobs (outbox relay, cross-aggregate bookkeeping).
	RoleSystem Role = "System"
)

// Caller identifies who is executing a repository or service call.
// It is passed explicitly to every call; there is no ambient caller.
type Caller struct {
	UserID int64
	Role   Role
	// DelivererID is the deliverer row owned by the caller, set only for RoleDeliverer.
	DelivererID int64
}

func Customer(userID int64) Caller {
	return Caller{UserID: userID, Role: RoleCustomer}
}

func DelivererCaller(userID, delivererID int64) Caller {
	return Caller{UserID: userID, Role: RoleDeliverer, DelivererID: delivererID}
}

func Admin(userID int64) Caller {
	return Caller{UserID: userID, Role: RoleAdmin}
}

func System() Caller {
	return Caller{Role: RoleSystem}
}

// Privileged reports whether the caller sees every row.
func (c Caller) Privileged() bool {
	return c.Role == RoleAdmin || c.Role == RoleSystem
}

// Valid reports whether the caller carries the identity its role requires.
func (c Caller) Valid() bool {
	switch c.Role {
	case RoleSystem:
		return true
	case RoleAdmin, RoleCustomer:
		return c.UserID > 0
	case RoleDeliverer:
		return c.UserID > 0 && c.DelivererID > 0
	default:
		return false
	}
}

// ScopeKey is a stable key naming the caller's visibility scope.
func (c Caller) ScopeKey() string {
	switch {
	case !c.Valid():
		return "none"
	case c.Privileged():
		return "all"
	case c.Role == RoleDeliverer:
		return "deliverer:" + strconv.FormatInt(c.DelivererID, 10)
	default:
		return "user:" + strconv.FormatInt(c.UserID, 10)
	}
}

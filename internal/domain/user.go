package domain

import (
	"time"

	"github.com/google/uuid"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusClosed    UserStatus = "closed"
)

type UserRole string

const (
	UserRoleCustomer UserRole = "customer"
	UserRoleMerchant UserRole = "merchant"
	UserRoleAdmin    UserRole = "admin"
	UserRoleSystem   UserRole = "system"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleCustomer, UserRoleMerchant, UserRoleAdmin, UserRoleSystem:
		return true
	default:
		return false
	}
}

type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	Phone        *string
	Role         UserRole
	Status       UserStatus
	CreatedAt    time.Time
}

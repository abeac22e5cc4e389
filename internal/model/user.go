package model

import "time"

// User identifies a person whose memories the service stores and retrieves.
// Authentication itself (Firebase token verification) lives outside this
// package; User is just the identity record auth resolves to.
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        *string    `json:"name,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the operator API.
// Teams scopes a supervisor to the queues it may act on; admin and service
// tokens carry no teams and are not team-scoped.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Teams     []string  `json:"teams,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID string
	Role   string
	Teams  []string
}

package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the dashboard access token claims shared with the booking backend.
// UserID doubles as the telephony identity of a linguist.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// defaultRole is assigned to backend-issued tokens. Matches rbac.RoleLinguist.
const defaultRole = "linguist"

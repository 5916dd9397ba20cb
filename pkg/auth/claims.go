package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ServiceTokenPayload captures the data available when minting a JWT.
type ServiceTokenPayload struct {
	TenantID uuid.UUID
	Service  string
	Scopes   []string
	JTI      string
}

// ServiceTokenClaims represents the typed JWT issued to internal callers.
type ServiceTokenClaims struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Service  string    `json:"service"`
	Scopes   []string  `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the requested scope.
func (c *ServiceTokenClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Claims is a JWT claims set carrying the fields the gateway evaluates
// against, alongside the registered claims.
type Claims struct {
	Roles  []string `json:"roles,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// FromClaims builds an Identity from a verified claims set.
func FromClaims(c *Claims) *Identity {
	if c == nil {
		return nil
	}
	id := New(c.Subject).WithTenant(c.Tenant)
	if len(c.Roles) > 0 {
		id = id.WithRoles(c.Roles...)
	}
	return id
}

// FromMapClaims builds an Identity from a generic claims object, as handed
// over by an external auth provider. "sub", "roles" and "tenant" map to the
// built-in claims; every other entry is kept as a custom claim.
func FromMapClaims(mc jwt.MapClaims) *Identity {
	if mc == nil {
		return nil
	}
	id := &Identity{}
	for k, v := range mc {
		switch k {
		case ClaimSubject:
			if s, ok := v.(string); ok {
				id.Subject = s
			}
		case ClaimTenant:
			if s, ok := v.(string); ok {
				id.Tenant = s
			}
		case ClaimRoles:
			id.Roles = toStrings(v)
		default:
			if id.Claims == nil {
				id.Claims = make(map[string]any)
			}
			id.Claims[k] = v
		}
	}
	return id
}

// ParseHMAC verifies an HMAC-signed token and returns the identity carried
// by its claims. Tokens signed with any other method are rejected.
func ParseHMAC(tokenString string, key []byte) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("identity: invalid token")
	}
	return FromClaims(claims), nil
}

func toStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vs}
	}
	return nil
}

package fbauth

import (
	"maps"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims represents the verified payload of a Firebase ID token.
type Claims struct {
	Subject   string
	UserID    string
	Issuer    string
	Audience  string
	ExpiresAt time.Time
	IssuedAt  time.Time

	AuthTime       time.Time
	Email          string
	EmailVerified  bool
	SignInProvider string
	TenantID       string
	CustomClaims   map[string]any
}

// Firebase-specific private claims that are lifted into Claims fields.
var reservedPrivateClaims = map[string]struct{}{
	"user_id":        {},
	"auth_time":      {},
	"email":          {},
	"email_verified": {},
	"firebase":       {},
}

func claimsFromToken(token jwt.Token) Claims {
	claims := Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		ExpiresAt: token.Expiration().UTC(),
		IssuedAt:  token.IssuedAt().UTC(),
	}
	if aud := token.Audience(); len(aud) > 0 {
		claims.Audience = aud[0]
	}

	private := token.PrivateClaims()
	if s, ok := private["user_id"].(string); ok && s != "" {
		claims.UserID = s
	} else {
		claims.UserID = claims.Subject
	}
	if s, ok := private["email"].(string); ok {
		claims.Email = s
	}
	if b, ok := private["email_verified"].(bool); ok {
		claims.EmailVerified = b
	}
	if secs, ok := private["auth_time"].(float64); ok && secs > 0 {
		claims.AuthTime = time.Unix(int64(secs), 0).UTC()
	}
	if fb, ok := private["firebase"].(map[string]any); ok {
		if s, ok := fb["sign_in_provider"].(string); ok {
			claims.SignInProvider = s
		}
		if s, ok := fb["tenant"].(string); ok {
			claims.TenantID = s
		}
	}

	for k, v := range private {
		if _, reserved := reservedPrivateClaims[k]; reserved {
			continue
		}
		if claims.CustomClaims == nil {
			claims.CustomClaims = make(map[string]any)
		}
		claims.CustomClaims[k] = v
	}
	return claims
}

func (c Claims) clone() Claims {
	out := c
	if c.CustomClaims != nil {
		out.CustomClaims = maps.Clone(c.CustomClaims)
	}
	return out
}

package fbauth

import "time"

// DevBypassClaims holds attributes used when issuing a synthetic identity in dev mode.
type DevBypassClaims struct {
	UserID   string
	Email    string
	Issuer   string
	Audience string
}

// ToIdentity converts the dev bypass configuration into an identity flagged as DevBypass.
func (d DevBypassClaims) ToIdentity() *Identity {
	now := time.Now().UTC().Truncate(time.Second)
	identity := newIdentity(Header{Algorithm: "none"}, Claims{
		Subject:        d.UserID,
		UserID:         d.UserID,
		Issuer:         d.Issuer,
		Audience:       d.Audience,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
		Email:          d.Email,
		SignInProvider: "dev-bypass",
	})
	identity.devBypass = true
	return identity
}

// DefaultDevBypassClaims returns a baseline set of claims suitable for local development.
func DefaultDevBypassClaims(projectID string) DevBypassClaims {
	if projectID == "" {
		projectID = "dev-local"
	}
	return DevBypassClaims{
		UserID:   "dev-bypass",
		Issuer:   DefaultIssuerBaseURL + "/" + projectID,
		Audience: projectID,
	}
}

package fbauth

// Header is the verified part of a token's JOSE header.
type Header struct {
	Algorithm string
	KeyID     string
}

// Identity is the result of a successful verification. It cannot be built
// from outside the package, so holding one means the token checked out.
type Identity struct {
	header    Header
	claims    Claims
	devBypass bool
}

func newIdentity(header Header, claims Claims) *Identity {
	return &Identity{header: header, claims: claims.clone()}
}

// Header returns the verified header.
func (i *Identity) Header() Header {
	return i.header
}

// Claims returns a copy of the verified claims.
func (i *Identity) Claims() Claims {
	return i.claims.clone()
}

// Subject is the provider-scoped user id (sub).
func (i *Identity) Subject() string {
	return i.claims.Subject
}

// UserID is the Firebase uid (user_id, or sub when the token omits it).
func (i *Identity) UserID() string {
	return i.claims.UserID
}

// DevBypass reports whether the identity was synthesised by DevBypassClaims.
func (i *Identity) DevBypass() bool {
	return i.devBypass
}

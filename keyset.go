package fbauth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySet maps key ids to RSA verification keys. It is immutable: a refresh
// builds a new KeySet rather than editing the current one.
type KeySet struct {
	keys map[string]jwk.Key
}

// NewKeySet builds a KeySet from raw RSA public keys indexed by key id.
func NewKeySet(keys map[string]*rsa.PublicKey) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, errors.New("key set is empty")
	}
	out := make(map[string]jwk.Key, len(keys))
	for kid, pub := range keys {
		key, err := importRSAKey(kid, pub)
		if err != nil {
			return nil, err
		}
		out[kid] = key
	}
	return &KeySet{keys: out}, nil
}

// parseKeySet decodes a JWK set document. A single bad key rejects the whole document.
func parseKeySet(data []byte) (*KeySet, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwk set: %w", err)
	}
	if set.Len() == 0 {
		return nil, errors.New("key set is empty")
	}

	keys := make(map[string]jwk.Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			return nil, fmt.Errorf("key %d missing", i)
		}
		kid := key.KeyID()
		if kid == "" {
			return nil, fmt.Errorf("key %d has no kid", i)
		}
		if _, dup := keys[kid]; dup {
			return nil, fmt.Errorf("duplicate kid %q", kid)
		}
		if _, ok := key.(jwk.RSAPublicKey); !ok {
			return nil, fmt.Errorf("key %q is not an RSA public key", kid)
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("key %q: %w", kid, err)
		}
		imported, err := importRSAKey(kid, &pub)
		if err != nil {
			return nil, err
		}
		keys[kid] = imported
	}
	return &KeySet{keys: keys}, nil
}

func importRSAKey(kid string, pub *rsa.PublicKey) (jwk.Key, error) {
	if kid == "" {
		return nil, errors.New("kid is required")
	}
	if pub == nil || pub.N == nil || pub.N.Sign() <= 0 {
		return nil, fmt.Errorf("key %q has no modulus", kid)
	}
	if pub.E <= 1 {
		return nil, fmt.Errorf("key %q has invalid exponent %d", kid, pub.E)
	}
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", kid, err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("key %q: set kid: %w", kid, err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("key %q: set alg: %w", kid, err)
	}
	return key, nil
}

// Lookup returns the key registered under kid.
func (s *KeySet) Lookup(kid string) (jwk.Key, bool) {
	if s == nil {
		return nil, false
	}
	key, ok := s.keys[kid]
	return key, ok
}

// Len returns the number of keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeyIDs returns the key ids in sorted order.
func (s *KeySet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	slices.Sort(ids)
	return ids
}

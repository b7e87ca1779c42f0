package fbauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testProject    = "proj"
	testIssuerBase = "https://issuer"
	testIssuer     = testIssuerBase + "/" + testProject
)

var (
	testKeysOnce sync.Once
	testKey1     *rsa.PrivateKey
	testKey2     *rsa.PrivateKey
	testKeysErr  error
)

// rsaKeys returns two process-wide RSA keys; generating them per test is slow.
func rsaKeys(t testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		testKey1, testKeysErr = rsa.GenerateKey(rand.Reader, 2048)
		if testKeysErr != nil {
			return
		}
		testKey2, testKeysErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeysErr != nil {
		t.Fatalf("generate key: %v", testKeysErr)
	}
	return testKey1, testKey2
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeFetcher returns canned keys with a deadline of clock.Now()+maxAge.
type fakeFetcher struct {
	calls   atomic.Int32
	clock   jwt.Clock
	maxAge  time.Duration
	started chan struct{}
	gate    chan struct{}

	mu   sync.Mutex
	keys *KeySet
	err  error
}

func newFakeFetcher(clock jwt.Clock, keys *KeySet, maxAge time.Duration) *fakeFetcher {
	return &fakeFetcher{clock: clock, keys: keys, maxAge: maxAge}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*KeySet, time.Time, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	return f.keys, f.clock.Now().Add(f.maxAge), nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) setKeys(keys *KeySet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func keySetOf(t testing.TB, keys map[string]*rsa.PrivateKey) *KeySet {
	t.Helper()
	pubs := make(map[string]*rsa.PublicKey, len(keys))
	for kid, key := range keys {
		pubs[kid] = &key.PublicKey
	}
	set, err := NewKeySet(pubs)
	require.NoError(t, err)
	return set
}

// tokenFields describes a token relative to a reference time.
type tokenFields struct {
	issuer   string
	audience []string
	subject  string
	exp      time.Time
	iat      time.Time
	extra    map[string]any
}

func validFields(now time.Time) tokenFields {
	return tokenFields{
		issuer:   testIssuer,
		audience: []string{testProject},
		subject:  "user-123",
		exp:      now.Add(60 * time.Second),
		iat:      now.Add(-5 * time.Second),
		extra:    map[string]any{"user_id": "user-123"},
	}
}

func buildToken(t testing.TB, fields tokenFields) jwt.Token {
	t.Helper()
	builder := jwt.NewBuilder().
		Issuer(fields.issuer).
		Audience(fields.audience).
		Subject(fields.subject)
	if !fields.exp.IsZero() {
		builder = builder.Expiration(fields.exp)
	}
	if !fields.iat.IsZero() {
		builder = builder.IssuedAt(fields.iat)
	}
	for k, v := range fields.extra {
		builder = builder.Claim(k, v)
	}
	token, err := builder.Build()
	require.NoError(t, err)
	return token
}

func sign(t testing.TB, fields tokenFields, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	priv, err := jwk.FromRaw(key)
	require.NoError(t, err)
	if kid != "" {
		require.NoError(t, priv.Set(jwk.KeyIDKey, kid))
	}
	signed, err := jwt.Sign(buildToken(t, fields), jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}

func signHMAC(t testing.TB, fields tokenFields, secret []byte, kid string) string {
	t.Helper()
	key, err := jwk.FromRaw(secret)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	signed, err := jwt.Sign(buildToken(t, fields), jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(signed)
}

// unsignedToken builds an alg=none token by hand; jwx refuses to produce one.
func unsignedToken(t testing.TB, fields tokenFields, kid string) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT", "kid": kid})
	require.NoError(t, err)
	payload, err := json.Marshal(buildToken(t, fields))
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "."
}

// jwksDocument renders public keys the way the provider publishes them.
func jwksDocument(t testing.TB, keys map[string]*rsa.PrivateKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for kid, key := range keys {
		pub, err := jwk.FromRaw(&key.PublicKey)
		require.NoError(t, err)
		require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
		require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
		require.NoError(t, pub.Set(jwk.KeyUsageKey, "sig"))
		require.NoError(t, set.AddKey(pub))
	}
	payload, err := json.Marshal(set)
	require.NoError(t, err)
	return payload
}

// newKeysServer serves body with the given Cache-Control value and counts hits.
func newKeysServer(t testing.TB, body []byte, cacheControl string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func codeOf(t testing.TB, err error) ErrorCode {
	t.Helper()
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	return verr.Code
}

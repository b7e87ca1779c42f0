package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bionicotaku/lingo-utils-fbauth"
	"github.com/bionicotaku/lingo-utils-fbauth/httpauth"
)

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "kid1"))
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	keys := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}))
	defer keys.Close()

	metrics := fbauth.NewMetrics("whoami_test")
	verifier, err := fbauth.NewVerifier(fbauth.Config{ProjectID: "proj", KeysURL: keys.URL}, fbauth.WithMetrics(metrics))
	require.NoError(t, err)

	router := newRouter(verifier, metrics.Registry(), httpauth.Options{Required: true})
	get := func(path, authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/whoami", "").Code)

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(fbauth.DefaultIssuerBaseURL+"/proj").
		Audience([]string{"proj"}).
		Subject("uid-1").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("email", "ada@example.com").
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	rec := get("/whoami", "Bearer "+string(signed))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var who map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &who))
	assert.Equal(t, "uid-1", who["sub"])
	assert.Equal(t, "uid-1", who["user_id"])
	assert.Equal(t, "ada@example.com", who["email"])

	assert.Equal(t, http.StatusOK, get("/healthz", "").Code)

	rec = get("/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "whoami_test_verification_total")
}

func TestRouterDevBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)

	verifier, err := fbauth.NewVerifier(fbauth.Config{ProjectID: "proj", KeysURL: "http://127.0.0.1:1/keys"})
	require.NoError(t, err)
	claims := fbauth.DefaultDevBypassClaims("proj")

	router := newRouter(verifier, prometheus.NewRegistry(), httpauth.Options{Required: true, DevBypass: &claims})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var who map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &who))
	assert.Equal(t, "dev-bypass", who["user_id"])
	assert.Equal(t, true, who["dev_bypass"])
}

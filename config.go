package fbauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultIssuerBaseURL is the prefix of every Firebase ID token issuer.
	DefaultIssuerBaseURL = "https://securetoken.google.com"
	// DefaultKeysURL publishes the RSA keys Firebase signs ID tokens with.
	DefaultKeysURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

	defaultClockSkew     = 30 * time.Second
	defaultRefreshMargin = time.Minute
	defaultHTTPTimeout   = 5 * time.Second
	defaultEnvPrefix     = "API"
)

// Config describes the Firebase project tokens are verified against.
// The env tags are read by ConfigFromEnv under a <PREFIX>_ prefix.
type Config struct {
	ProjectID     string `env:"FIREBASE_PROJECT_ID"`
	IssuerBaseURL string `env:"FIREBASE_ISSUER_URL"`
	KeysURL       string `env:"FIREBASE_KEYS_URL"`
	// ClockSkew is applied to exp (past-tolerant) and iat (future-tolerant).
	ClockSkew time.Duration `env:"FIREBASE_CLOCK_SKEW"`
	// RefreshMargin is subtracted from the provider's max-age deadline.
	RefreshMargin time.Duration `env:"FIREBASE_REFRESH_MARGIN"`
	HTTPTimeout   time.Duration `env:"FIREBASE_HTTP_TIMEOUT"`
	// MaxStale lets the cache keep serving the last good key set for this long
	// past its deadline when a refresh fails. Zero disables the fallback.
	MaxStale time.Duration `env:"FIREBASE_MAX_STALE"`
}

// normalize sets default values for optional fields.
func (c *Config) normalize() {
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	if c.IssuerBaseURL == "" {
		c.IssuerBaseURL = DefaultIssuerBaseURL
	}
	c.IssuerBaseURL = strings.TrimRight(c.IssuerBaseURL, "/")
	if c.KeysURL == "" {
		c.KeysURL = DefaultKeysURL
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = defaultRefreshMargin
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxStale < 0 {
		c.MaxStale = 0
	}
}

// validate ensures the configuration is usable.
func (c Config) validate() error {
	switch {
	case c.ProjectID == "":
		return errors.New("project id is required")
	case strings.ContainsAny(c.ProjectID, "/ "):
		return fmt.Errorf("project id %q is not valid", c.ProjectID)
	case !strings.HasPrefix(c.KeysURL, "https://") && !strings.HasPrefix(c.KeysURL, "http://"):
		return fmt.Errorf("keys url %q must be http(s)", c.KeysURL)
	}
	return nil
}

// ExpectedIssuer is the iss value tokens for this project carry.
func (c Config) ExpectedIssuer() string {
	return c.IssuerBaseURL + "/" + c.ProjectID
}

// ExpectedAudience is the aud value tokens for this project carry.
func (c Config) ExpectedAudience() string {
	return c.ProjectID
}

// ConfigFromEnv reads <PREFIX>_FIREBASE_* variables. An empty prefix means "API".
// Unset variables leave their field zero so that normalize applies the defaults.
func ConfigFromEnv(prefix string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix(prefix)}); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	return cfg, nil
}

// EnvPrefix returns the variable prefix ConfigFromEnv uses, e.g. "API_".
func EnvPrefix(prefix string) string {
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	return strings.ToUpper(strings.TrimSuffix(prefix, "_")) + "_"
}

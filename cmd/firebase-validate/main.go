package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-fbauth"
	"github.com/bionicotaku/lingo-utils-fbauth/internal/envfile"
)

// signInSettings are read from <PREFIX>_FIREBASE_* like the verifier config.
type signInSettings struct {
	Token        string `env:"FIREBASE_ID_TOKEN"`
	APIKey       string `env:"FIREBASE_API_KEY"`
	Email        string `env:"FIREBASE_EMAIL"`
	Password     string `env:"FIREBASE_PASSWORD"`
	TenantID     string `env:"FIREBASE_TENANT_ID"`
	AuthEndpoint string `env:"FIREBASE_AUTH_ENDPOINT"`
}

// settings is everything the CLI needs, resolved from environment and flags.
type settings struct {
	Config fbauth.Config
	SignIn signInSettings
}

// resolveSettings reads the environment under prefix; non-empty flag values win.
func resolveSettings(prefix string, flags settings) (settings, error) {
	cfg, err := fbauth.ConfigFromEnv(prefix)
	if err != nil {
		return settings{}, err
	}
	var signIn signInSettings
	if err := env.ParseWithOptions(&signIn, env.Options{Prefix: fbauth.EnvPrefix(prefix)}); err != nil {
		return settings{}, fmt.Errorf("load sign-in settings from env: %w", err)
	}

	override(&cfg.ProjectID, flags.Config.ProjectID)
	override(&cfg.KeysURL, flags.Config.KeysURL)
	override(&cfg.IssuerBaseURL, flags.Config.IssuerBaseURL)
	override(&signIn.Token, flags.SignIn.Token)
	override(&signIn.APIKey, flags.SignIn.APIKey)
	override(&signIn.Email, flags.SignIn.Email)
	override(&signIn.Password, flags.SignIn.Password)
	override(&signIn.TenantID, flags.SignIn.TenantID)
	override(&signIn.AuthEndpoint, flags.SignIn.AuthEndpoint)
	return settings{Config: cfg, SignIn: signIn}, nil
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var flags settings
	envPrefix := flag.String("env-prefix", "API", "Prefix of the <PREFIX>_FIREBASE_* variables")
	flag.StringVar(&flags.Config.ProjectID, "project", "", "Firebase project id (env <PREFIX>_FIREBASE_PROJECT_ID)")
	flag.StringVar(&flags.Config.KeysURL, "keys-url", "", "Signing keys URL (env <PREFIX>_FIREBASE_KEYS_URL)")
	flag.StringVar(&flags.Config.IssuerBaseURL, "issuer-url", "", "Issuer base URL (env <PREFIX>_FIREBASE_ISSUER_URL)")
	flag.StringVar(&flags.SignIn.Token, "token", "", "ID token to verify; if empty the CLI signs in (env <PREFIX>_FIREBASE_ID_TOKEN)")
	flag.StringVar(&flags.SignIn.APIKey, "api-key", "", "Web API key used to sign in (env <PREFIX>_FIREBASE_API_KEY)")
	flag.StringVar(&flags.SignIn.Email, "email", "", "Account email used to sign in (env <PREFIX>_FIREBASE_EMAIL)")
	flag.StringVar(&flags.SignIn.Password, "password", "", "Account password used to sign in (env <PREFIX>_FIREBASE_PASSWORD)")
	flag.StringVar(&flags.SignIn.TenantID, "tenant", "", "Identity Platform tenant (env <PREFIX>_FIREBASE_TENANT_ID)")
	flag.StringVar(&flags.SignIn.AuthEndpoint, "auth-endpoint", "", "Identity Toolkit endpoint override, e.g. the auth emulator (env <PREFIX>_FIREBASE_AUTH_ENDPOINT)")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout for sign-in and key fetch")
	envPath := flag.String("env", envfile.DefaultPath(), "Path to .env file")
	flag.Parse()

	if err := envfile.Load(*envPath, logger); err != nil {
		logger.Warn("load env file", zap.String("path", *envPath), zap.Error(err))
	}

	s, err := resolveSettings(*envPrefix, flags)
	if err != nil {
		logger.Fatal("load settings", zap.Error(err))
	}
	if s.Config.ProjectID == "" {
		flag.Usage()
		logger.Fatal("project is required (via flag, .env, or environment variables)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token := s.SignIn.Token
	if token == "" {
		if s.SignIn.Email == "" || s.SignIn.APIKey == "" {
			flag.Usage()
			logger.Fatal("email and api key are required to sign in when no token is given")
		}
		provider := fbauth.NewSignInProvider(fbauth.SignInConfig{
			APIKey:   s.SignIn.APIKey,
			Endpoint: s.SignIn.AuthEndpoint,
			Timeout:  *timeout,
		})
		tok, err := provider.Token(ctx, fbauth.Account{Email: s.SignIn.Email, Password: s.SignIn.Password, TenantID: s.SignIn.TenantID})
		if err != nil {
			logger.Fatal("sign in failed", zap.String("email", s.SignIn.Email), zap.Error(err))
		}
		token = tok
		logger.Info("acquired Firebase ID token via sign-in", zap.String("email", s.SignIn.Email))
	}

	verifier, err := fbauth.NewVerifier(s.Config, fbauth.WithLogger(logger))
	if err != nil {
		logger.Fatal("create verifier", zap.Error(err))
	}

	identity, err := verifier.Authenticate(ctx, token)
	if err != nil {
		logger.Fatal("verification failed",
			zap.String("code", string(fbauth.CodeOf(err))),
			zap.Bool("upstream", fbauth.IsUpstream(err)),
			zap.Error(err),
		)
	}

	printIdentity(identity)
}

func printIdentity(identity *fbauth.Identity) {
	claims := identity.Claims()
	fmt.Println("== Firebase ID Token Verified ==")
	fmt.Printf("key_id       : %s\n", identity.Header().KeyID)
	fmt.Printf("subject      : %s\n", claims.Subject)
	fmt.Printf("user_id      : %s\n", claims.UserID)
	fmt.Printf("email        : %s (verified=%t)\n", claims.Email, claims.EmailVerified)
	fmt.Printf("issuer       : %s\n", claims.Issuer)
	fmt.Printf("audience     : %s\n", claims.Audience)
	fmt.Printf("issued_at    : %s\n", claims.IssuedAt.Format(time.RFC3339))
	fmt.Printf("expires_at   : %s\n", claims.ExpiresAt.Format(time.RFC3339))
	if !claims.AuthTime.IsZero() {
		fmt.Printf("auth_time    : %s\n", claims.AuthTime.Format(time.RFC3339))
	}
	if claims.SignInProvider != "" {
		fmt.Printf("provider     : %s\n", claims.SignInProvider)
	}
	if claims.TenantID != "" {
		fmt.Printf("tenant       : %s\n", claims.TenantID)
	}
	if len(claims.CustomClaims) > 0 {
		fmt.Println("custom_claims:")
		keys := make([]string, 0, len(claims.CustomClaims))
		for k := range claims.CustomClaims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, claims.CustomClaims[k])
		}
	}
}

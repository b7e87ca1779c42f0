package fbauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// Account identifies an email/password user in the Firebase project.
type Account struct {
	Email    string
	Password string
	TenantID string
}

// TokenFactory allows callers to override how ID tokens are obtained for an account.
type TokenFactory func(context.Context, Account) (oauth2.TokenSource, error)

// SignInConfig configures a SignInProvider.
type SignInConfig struct {
	// APIKey is the project's Web API key, required by the default factory.
	APIKey string
	// Endpoint overrides the Identity Toolkit endpoint, e.g. for the auth emulator.
	Endpoint string
	// Timeout bounds each sign-in request made by the default factory.
	Timeout      time.Duration
	TokenFactory TokenFactory
}

const defaultSignInTimeout = 10 * time.Second

// SignInProvider obtains Firebase ID tokens for test accounts by signing in
// with email and password. Tokens are cached per account until they expire.
// It exists for smoke tests and CLIs; the identity provider remains the issuer.
type SignInProvider struct {
	mu      sync.RWMutex
	factory TokenFactory
	entries map[accountKey]oauth2.TokenSource
}

type accountKey struct {
	Email    string
	TenantID string
}

// NewSignInProvider constructs a SignInProvider.
func NewSignInProvider(cfg SignInConfig) *SignInProvider {
	factory := cfg.TokenFactory
	if factory == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultSignInTimeout
		}
		factory = identityToolkitFactory(cfg.APIKey, cfg.Endpoint, timeout)
	}
	return &SignInProvider{
		factory: factory,
		entries: make(map[accountKey]oauth2.TokenSource),
	}
}

// Token returns an ID token for account, signing in again only when the cached one expired.
func (p *SignInProvider) Token(ctx context.Context, account Account) (string, error) {
	if strings.TrimSpace(account.Email) == "" {
		return "", errors.New("email is required")
	}
	key := accountKey{Email: strings.ToLower(account.Email), TenantID: account.TenantID}

	source, err := p.getOrCreate(ctx, key, account)
	if err != nil {
		return "", err
	}
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty id token returned")
	}
	return tok.AccessToken, nil
}

func (p *SignInProvider) getOrCreate(ctx context.Context, key accountKey, account Account) (oauth2.TokenSource, error) {
	p.mu.RLock()
	source, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return source, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if source, ok = p.entries[key]; ok {
		return source, nil
	}

	// The source outlives this call, so it must not inherit its cancellation.
	ts, err := p.factory(context.WithoutCancel(ctx), account)
	if err != nil {
		return nil, err
	}
	source = oauth2.ReuseTokenSource(nil, ts)
	p.entries[key] = source
	return source, nil
}

func identityToolkitFactory(apiKey, endpoint string, timeout time.Duration) TokenFactory {
	return func(ctx context.Context, account Account) (oauth2.TokenSource, error) {
		if apiKey == "" {
			return nil, errors.New("api key is required to sign in")
		}
		opts := []option.ClientOption{option.WithAPIKey(apiKey)}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		svc, err := identitytoolkit.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("identity toolkit client: %w", err)
		}
		return &passwordTokenSource{ctx: ctx, svc: svc, account: account, timeout: timeout}, nil
	}
}

type passwordTokenSource struct {
	ctx     context.Context
	svc     *identitytoolkit.Service
	account Account
	timeout time.Duration
}

func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	resp, err := s.svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             s.account.Email,
		Password:          s.account.Password,
		TenantId:          s.account.TenantID,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &oauth2.Token{
		AccessToken: resp.IdToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(expiresIn),
	}, nil
}

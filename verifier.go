package fbauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/bionicotaku/lingo-utils-fbauth")

// expectedAlgorithm is fixed; the algorithm a token declares is never trusted.
const expectedAlgorithm = jwa.RS256

// TokenVerifier verifies a bearer token and returns the authenticated identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Verifier checks Firebase ID tokens for one project.
type Verifier struct {
	cfg     Config
	cache   *KeyCache
	clock   jwt.Clock
	logger  *zap.Logger
	metrics *Metrics
}

type verifierOptions struct {
	fetcher    KeySetFetcher
	httpClient *http.Client
	clock      jwt.Clock
	logger     *zap.Logger
	metrics    *Metrics
}

// Option customizes a Verifier.
type Option func(*verifierOptions)

// WithFetcher replaces the HTTP key fetcher, e.g. with canned keys in tests.
func WithFetcher(fetcher KeySetFetcher) Option {
	return func(o *verifierOptions) {
		o.fetcher = fetcher
	}
}

// WithHTTPClient sets the client used to download signing keys.
func WithHTTPClient(client *http.Client) Option {
	return func(o *verifierOptions) {
		o.httpClient = client
	}
}

// WithClock overrides wall time for claim checks and cache deadlines.
func WithClock(clock jwt.Clock) Option {
	return func(o *verifierOptions) {
		o.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *verifierOptions) {
		o.logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(o *verifierOptions) {
		o.metrics = metrics
	}
}

// NewVerifier builds a verifier with a cold key cache.
func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := verifierOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = jwt.ClockFunc(time.Now)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.fetcher == nil {
		client := o.httpClient
		if client == nil {
			client = newHTTPClient(cfg.HTTPTimeout)
		}
		o.fetcher = NewHTTPFetcher(cfg.KeysURL, client, o.clock)
	}

	logger := o.logger.With(zap.String("project_id", cfg.ProjectID))
	cache := NewKeyCache(o.fetcher, KeyCacheOptions{
		RefreshMargin: cfg.RefreshMargin,
		FetchTimeout:  cfg.HTTPTimeout,
		MaxStale:      cfg.MaxStale,
		Clock:         o.clock,
		Logger:        logger,
		Metrics:       o.metrics,
	})

	return &Verifier{
		cfg:     cfg,
		cache:   cache,
		clock:   o.clock,
		logger:  logger,
		metrics: o.metrics,
	}, nil
}

// Config returns the normalized configuration.
func (v *Verifier) Config() Config {
	return v.cfg
}

// Cache exposes the key cache, mainly for readiness checks.
func (v *Verifier) Cache() *KeyCache {
	return v.cache
}

// Warmup fetches signing keys ahead of the first request.
func (v *Verifier) Warmup(ctx context.Context) error {
	return v.cache.Warmup(ctx)
}

// Authenticate verifies the value of an Authorization header. An absent
// header is an anonymous caller and yields (nil, nil); a present but bad
// credential is an error. The "Bearer " prefix is optional.
func (v *Verifier) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, nil
	}
	const prefix = "bearer "
	if len(authorization) >= len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		authorization = authorization[len(prefix):]
	}
	return v.Verify(ctx, authorization)
}

// Verify checks the token's signature and claims.
func (v *Verifier) Verify(ctx context.Context, token string) (identity *Identity, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "fbauth.Verifier.Verify", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		v.metrics.RecordVerification(err, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, string(CodeOf(err)))
			v.logRejection(err)
		} else {
			span.SetAttributes(attribute.String("fbauth.kid", identity.Header().KeyID))
		}
		span.End()
	}()

	header, err := decodeHeader(token)
	if err != nil {
		return nil, err
	}

	keys, err := v.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := keys.Lookup(header.KeyID)
	if !ok {
		return nil, newError(ErrCodeUnknownKey, fmt.Errorf("kid %q not in current key set", header.KeyID))
	}

	claims, err := v.verifyToken(token, header, key)
	if err != nil {
		return nil, err
	}
	return newIdentity(header, claims), nil
}

func (v *Verifier) logRejection(err error) {
	var verr *Error
	if !errors.As(err, &verr) || verr.Upstream() {
		return
	}
	v.logger.Debug("token rejected",
		zap.String("code", string(verr.Code)),
		zap.String("reason", verr.Reason),
		zap.Error(verr.Err),
	)
}

// decodeHeader reads the protected header without verifying anything.
func decodeHeader(token string) (Header, error) {
	if token == "" {
		return Header{}, newError(ErrCodeMalformedToken, errors.New("token is empty"))
	}
	if strings.Count(token, ".") != 2 {
		return Header{}, newError(ErrCodeMalformedToken, errors.New("token is not a compact JWS"))
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return Header{}, newError(ErrCodeMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return Header{}, newError(ErrCodeMalformedToken, fmt.Errorf("expected 1 signature, got %d", len(sigs)))
	}
	protected := sigs[0].ProtectedHeaders()
	header := Header{
		Algorithm: protected.Algorithm().String(),
		KeyID:     protected.KeyID(),
	}
	if header.KeyID == "" {
		return Header{}, newError(ErrCodeMissingKeyID, nil)
	}
	return header, nil
}

func (v *Verifier) verifyToken(token string, header Header, key jwk.Key) (Claims, error) {
	if header.Algorithm != expectedAlgorithm.String() {
		return Claims{}, rejectClaim("unexpected signing algorithm", fmt.Errorf("alg %q", header.Algorithm))
	}
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(expectedAlgorithm, key),
		jwt.WithValidate(false),
	)
	if err != nil {
		return Claims{}, rejectClaim("signature verification failed", err)
	}
	if err := v.validateClaims(parsed); err != nil {
		return Claims{}, err
	}
	return claimsFromToken(parsed), nil
}

// validateClaims works in whole seconds. With the default 30s skew a token
// is accepted up to and including exp+30s, and with iat up to and including now+30s.
func (v *Verifier) validateClaims(token jwt.Token) error {
	now := v.clock.Now().Unix()
	skew := int64(v.cfg.ClockSkew / time.Second)

	exp := token.Expiration()
	if exp.IsZero() {
		return rejectClaim("missing expiry", nil)
	}
	if now > exp.Unix()+skew {
		return rejectClaim("token expired", nil)
	}
	if nbf := token.NotBefore(); !nbf.IsZero() && nbf.Unix() > now+skew {
		return rejectClaim("token not yet valid", nil)
	}
	if token.Issuer() != v.cfg.ExpectedIssuer() {
		return rejectClaim("issuer mismatch", nil)
	}
	if aud := token.Audience(); len(aud) != 1 || aud[0] != v.cfg.ExpectedAudience() {
		return rejectClaim("audience mismatch", nil)
	}
	if token.Subject() == "" {
		return rejectClaim("missing subject", nil)
	}

	iat := token.IssuedAt()
	if iat.IsZero() {
		return rejectClaim("missing issued-at", nil)
	}
	if iat.Unix() > now+skew {
		return rejectClaim("issued-at in the future", nil)
	}
	if iat.Unix() > exp.Unix() {
		return rejectClaim("issued-at after expiry", nil)
	}
	return nil
}

var _ TokenVerifier = (*Verifier)(nil)

package fbauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httpcc"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxKeySetBytes = 1 << 20

// maxAgeLimit is the largest max-age, in seconds, a time.Duration can hold.
const maxAgeLimit = uint64(math.MaxInt64 / int64(time.Second))

// KeySetFetcher retrieves a fresh key set together with the instant the
// provider says it stops being fresh.
type KeySetFetcher interface {
	Fetch(ctx context.Context) (*KeySet, time.Time, error)
}

// HTTPFetcher downloads the provider's published JWK set.
type HTTPFetcher struct {
	url    string
	client *http.Client
	clock  jwt.Clock
}

// NewHTTPFetcher builds a fetcher for url. A nil client gets a proxy-aware,
// traced client with the default timeout; a nil clock uses wall time.
func NewHTTPFetcher(url string, client *http.Client, clock jwt.Clock) *HTTPFetcher {
	if client == nil {
		client = newHTTPClient(defaultHTTPTimeout)
	}
	if clock == nil {
		clock = jwt.ClockFunc(time.Now)
	}
	return &HTTPFetcher{url: url, client: client, clock: clock}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
		}),
	}
}

// Fetch performs one GET against the keys endpoint. It never caches.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*KeySet, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, time.Time{}, newError(ErrCodeInternal, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, time.Time{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, time.Time{}, newError(ErrCodeKeysUnavailable,
			fmt.Errorf("keys endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	maxAge, err := maxAgeOf(resp.Header)
	if err != nil {
		return nil, time.Time{}, newError(ErrCodeMissingCachePolicy, err)
	}
	deadline := f.clock.Now().Add(maxAge)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes+1))
	if err != nil {
		return nil, time.Time{}, classifyTransportError(fmt.Errorf("read keys: %w", err))
	}
	if len(body) > maxKeySetBytes {
		return nil, time.Time{}, newError(ErrCodeInvalidKeyMaterial, fmt.Errorf("key set exceeds %d bytes", maxKeySetBytes))
	}

	keys, err := parseKeySet(body)
	if err != nil {
		return nil, time.Time{}, newError(ErrCodeInvalidKeyMaterial, err)
	}
	return keys, deadline, nil
}

// maxAgeOf insists on an explicit max-age; there is no default TTL.
func maxAgeOf(h http.Header) (time.Duration, error) {
	values := h.Values("Cache-Control")
	if len(values) == 0 {
		return 0, errors.New("missing Cache-Control header")
	}
	directives, err := httpcc.ParseResponse(strings.Join(values, ", "))
	if err != nil {
		return 0, fmt.Errorf("parse Cache-Control: %w", err)
	}
	seconds, ok := directives.MaxAge()
	if !ok {
		return 0, errors.New("Cache-Control has no max-age")
	}
	if seconds > maxAgeLimit {
		return 0, fmt.Errorf("Cache-Control max-age %d out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrCodeFetchTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrCodeFetchTimeout, err)
	}
	return newError(ErrCodeKeysUnavailable, err)
}

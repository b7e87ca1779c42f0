// Package httpauth attaches Firebase identities to HTTP requests.
//
// A request without an Authorization header passes through anonymously
// unless Options.Required is set. A bad credential is answered with 401, a
// failure to obtain signing keys with 503; either way the body only carries
// a generic message.
package httpauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-fbauth"
)

// Authenticator resolves an Authorization header value into an identity.
// A nil identity with a nil error means the caller is anonymous.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*fbauth.Identity, error)
}

// Options tunes the middleware.
type Options struct {
	Logger *zap.Logger
	// Required rejects anonymous requests with 401.
	Required bool
	// DevBypass, when set, stands in for anonymous callers. Local development only.
	DevBypass *fbauth.DevBypassClaims
}

type errorBody struct {
	Errors []errorEntry `json:"errors"`
}

type errorEntry struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// resolve runs the shared decision logic for both middlewares.
func resolve(ctx context.Context, auth Authenticator, opts Options, header string) (*fbauth.Identity, error) {
	identity, err := auth.Authenticate(ctx, header)
	if err != nil {
		logger := opts.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		switch {
		case errors.Is(err, context.Canceled):
			logger.Debug("request canceled during token verification", zap.Error(err))
		case fbauth.IsUpstream(err):
			logger.Error("token verification unavailable", zap.Error(err))
		default:
			logger.Debug("token rejected", zap.Error(err))
		}
		return nil, err
	}
	if identity == nil && opts.DevBypass != nil {
		identity = opts.DevBypass.ToIdentity()
	}
	if identity == nil && opts.Required {
		return nil, fbauth.ErrMissingCredentials
	}
	return identity, nil
}

func bodyFor(err error) errorBody {
	return errorBody{Errors: []errorEntry{{
		Message: fbauth.PublicMessage(err),
		Code:    string(fbauth.CodeOf(err)),
	}}}
}

// Middleware wraps a net/http handler.
func Middleware(auth Authenticator, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := resolve(r.Context(), auth, opts, r.Header.Get("Authorization"))
			if err != nil {
				status := fbauth.HTTPStatus(err)
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer realm="firebase"`)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(bodyFor(err))
				return
			}
			if identity != nil {
				r = r.WithContext(fbauth.BindIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Gin returns the same middleware for gin routers. The identity is bound to
// the request context and also stored under IdentityKey.
func Gin(auth Authenticator, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := resolve(c.Request.Context(), auth, opts, c.GetHeader("Authorization"))
		if err != nil {
			status := fbauth.HTTPStatus(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", `Bearer realm="firebase"`)
			}
			c.AbortWithStatusJSON(status, bodyFor(err))
			return
		}
		if identity != nil {
			c.Request = c.Request.WithContext(fbauth.BindIdentity(c.Request.Context(), identity))
			c.Set(IdentityKey, identity)
		}
		c.Next()
	}
}

// IdentityKey is the gin context key holding the *fbauth.Identity.
const IdentityKey = "fbauth_identity"

// GinIdentity returns the identity stored by Gin, if any.
func GinIdentity(c *gin.Context) (*fbauth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*fbauth.Identity)
	return identity, ok && identity != nil
}

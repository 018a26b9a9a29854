package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"sheetmailer/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permReadTasks     = "read:tasks"
	permWriteTasks    = "write:tasks"
	permReadSenders   = "read:senders"
	permWriteSenders  = "write:senders"
	permReadSheets    = "read:sheets"
	permUseReflection = "read:reflection"

	healthServicePrefix     = "/grpc.health.v1.Health/"
	reflectionServicePrefix = "/grpc.reflection."
)

var (
	errMissingKey       = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring resolves API clients from the configured key pairs.
type keyring struct {
	enabled     bool
	keyHeader   string
	extraHeader string
	clients     map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	k := &keyring{
		enabled:     cfg.Enabled,
		keyHeader:   strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey)),
		extraHeader: strings.ToLower(strings.TrimSpace(cfg.HeaderExtra)),
		clients:     make(map[string]config.APIClientKey, len(cfg.APIKeys)),
	}
	if k.keyHeader == "" {
		k.keyHeader = apiKeyHeaderDefault
	}
	if k.extraHeader == "" {
		k.extraHeader = apiExtraHeaderDefault
	}
	for _, c := range cfg.APIKeys {
		k.clients[c.Key] = c
	}
	return k
}

func (k *keyring) authenticate(apiKey, extra string) (config.APIClientKey, error) {
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingKey
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

// authorize checks a permission; an empty permission list allows everything.
func authorize(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

type clientCtxKey struct{}

// ClientFromContext returns the API client that authenticated the request.
func ClientFromContext(ctx context.Context) (config.APIClientKey, bool) {
	c, ok := ctx.Value(clientCtxKey{}).(config.APIClientKey)
	return c, ok
}

// AuthInterceptor guards the gRPC server with the same keys and limits as HTTP.
type AuthInterceptor struct {
	enabled bool
	keys    *keyring
	limiter *RateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig, limiter *RateLimiter) *AuthInterceptor {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit)
	}
	return &AuthInterceptor{
		enabled: cfg.Enabled,
		keys:    newKeyring(cfg.Auth),
		limiter: limiter,
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream guards streaming RPCs. Reflection and health Watch are streams.
func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *AuthInterceptor) admit(ctx context.Context, fullMethod string) (context.Context, error) {
	if !a.enabled {
		return ctx, nil
	}

	// Пробы здоровья ходят без ключа.
	if a.keys.enabled && !strings.HasPrefix(fullMethod, healthServicePrefix) {
		client, err := a.checkAuth(ctx, fullMethod)
		if err != nil {
			return ctx, err
		}
		ctx = context.WithValue(ctx, clientCtxKey{}, client)
	}
	if !a.limiter.allow(a.clientKey(ctx)) {
		return ctx, status.Error(codes.ResourceExhausted, errRateLimited.Error())
	}
	return ctx, nil
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) (config.APIClientKey, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, "missing metadata")
	}

	client, err := a.keys.authenticate(first(md.Get(a.keys.keyHeader)), first(md.Get(a.keys.extraHeader)))
	if err != nil {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, err.Error())
	}
	if err := authorize(client, requiredPermissionGRPC(fullMethod)); err != nil {
		return config.APIClientKey{}, status.Error(codes.PermissionDenied, err.Error())
	}
	return client, nil
}

func requiredPermissionGRPC(fullMethod string) string {
	if strings.HasPrefix(fullMethod, reflectionServicePrefix) {
		return permUseReflection
	}
	return ""
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.keyHeader)); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	enabled bool
	keys    *keyring
	limiter *RateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig, limiter *RateLimiter) *HTTPAuth {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.RateLimit)
	}
	return &HTTPAuth{
		enabled: cfg.Enabled && cfg.HTTP.Enabled,
		keys:    newKeyring(cfg.Auth),
		limiter: limiter,
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.keys.enabled {
			client, err := a.keys.authenticate(
				strings.TrimSpace(r.Header.Get(a.keys.keyHeader)),
				strings.TrimSpace(r.Header.Get(a.keys.extraHeader)),
			)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if err := authorize(client, requiredPermissionHTTP(r)); err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	read := r.Method == http.MethodGet || r.Method == http.MethodHead
	switch {
	case strings.HasPrefix(path, "/api/v1/senders"):
		if read {
			return permReadSenders
		}
		return permWriteSenders
	case strings.HasPrefix(path, "/api/v1/sheets"):
		return permReadSheets
	case strings.HasPrefix(path, "/api/v1/tasks"), strings.HasPrefix(path, "/api/v1/reports"):
		if read {
			return permReadTasks
		}
		return permWriteTasks
	case path == "/api/v1/sweep", path == "/api/v1/send":
		return permWriteTasks
	}
	return ""
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.keyHeader)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

package shared

import "context"

type sessionContextKey struct{}

type principalContextKey struct{}

type requestMetaContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// AuthMethod identifies how the principal was resolved.
type AuthMethod string

const (
	AuthNone    AuthMethod = ""
	AuthSession AuthMethod = "session"
	AuthBearer  AuthMethod = "bearer"
)

type principalRef struct {
	id     int64
	method AuthMethod
}

// ContextWithPrincipalID stores the resolved principal id.
func ContextWithPrincipalID(ctx context.Context, id int64, method AuthMethod) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principalRef{id: id, method: method})
}

// PrincipalIDFromContext returns the resolved principal id, or 0.
func PrincipalIDFromContext(ctx context.Context) int64 {
	ref, _ := ctx.Value(principalContextKey{}).(principalRef)
	return ref.id
}

// AuthMethodFromContext reports how the principal was resolved.
func AuthMethodFromContext(ctx context.Context) AuthMethod {
	ref, _ := ctx.Value(principalContextKey{}).(principalRef)
	return ref.method
}

// RequestMeta carries request provenance recorded with audit entries.
type RequestMeta struct {
	SourceAddr string
	UserAgent  string
	RequestID  string
	SessionID  string
}

// ContextWithRequestMeta stores request provenance.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext returns request provenance, zero when absent.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta
}

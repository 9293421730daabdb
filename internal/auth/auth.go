package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Authenticator resolves a presented credential to a caller.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Caller, error)
}

// Caller is an authenticated identity. The credential itself is never kept.
type Caller struct {
	// Key scopes rate limits and idempotency records. Derived from the
	// credential, so the same credential always maps to the same key.
	Key  string
	Name string
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// CallerKey derives the stable caller key for a credential.
func CallerKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "ck_" + hex.EncodeToString(sum[:])[:16]
}

// credentialDigest is the full-width hash used for cache keys.
func credentialDigest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 6 && strings.EqualFold(v[:6], "bearer") && (len(v) == 6 || v[6] == ' ') {
		v = v[6:]
	}
	return strings.TrimSpace(v)
}

// CredentialFromMetadata extracts the credential from gRPC metadata, from
// either "authorization" (optionally Bearer-prefixed) or "x-api-key".
func CredentialFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	if values := md.Get("x-api-key"); len(values) > 0 && values[0] != "" {
		return values[0], nil
	}
	if values := md.Get("authorization"); len(values) > 0 {
		if token := stripBearer(values[0]); token != "" {
			return token, nil
		}
	}
	return "", ErrUnauthenticated
}

// CredentialFromHeader extracts the credential from X-API-Key or an
// Authorization: Bearer header. Returns "" when neither is present.
func CredentialFromHeader(h http.Header) string {
	if v := h.Get("X-API-Key"); v != "" {
		return v
	}
	return stripBearer(h.Get("Authorization"))
}

type credentialKey struct{}

// WithCredential stores a raw credential on ctx for transports that lift it
// from headers before dispatch.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credential)
}

// CredentialFromContext returns the credential stored by WithCredential.
func CredentialFromContext(ctx context.Context) string {
	v, _ := ctx.Value(credentialKey{}).(string)
	return v
}

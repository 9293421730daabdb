package auth

import (
	"context"
	"crypto/subtle"
)

// StaticAuthenticator accepts exactly one shared credential.
type StaticAuthenticator struct {
	credential []byte
	key        string
}

func NewStaticAuthenticator(credential string) *StaticAuthenticator {
	return &StaticAuthenticator{
		credential: []byte(credential),
		key:        CallerKey(credential),
	}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (*Caller, error) {
	if len(a.credential) == 0 || credential == "" {
		return nil, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(credential), a.credential) != 1 {
		return nil, ErrUnauthenticated
	}
	return &Caller{Key: a.key, Name: "shared"}, nil
}

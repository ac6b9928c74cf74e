package receiver

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyAuthenticator accepts a request whose "authorization" metadata value
// exactly matches one of a fixed set of keys, once leading/trailing
// whitespace is trimmed. There is no "Bearer " scheme to strip: the raw
// header value is compared directly, the same way the reference server's
// interceptor does it.
type KeyAuthenticator struct {
	keys map[string]struct{}
}

// NewKeyAuthenticator builds an Authenticator from a list of accepted keys.
// An empty list means every request is rejected.
func NewKeyAuthenticator(keys []string) *KeyAuthenticator {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = struct{}{}
	}
	return &KeyAuthenticator{keys: m}
}

// Authenticate implements Authenticator.
func (a *KeyAuthenticator) Authenticate(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return errMissingCredential
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return errMissingCredential
	}
	presented := strings.TrimSpace(values[0])
	if _, ok := a.keys[presented]; !ok {
		return errUnknownCredential
	}
	return nil
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingCredential authError = "missing authorization metadata"
	errUnknownCredential authError = "unknown authorization key"
)

// Package auth defines the tenant-credential validation boundary. The
// gateway treats the tenant key as an opaque routing credential; everything
// beyond "non-empty" is policy owned by a TenantAuthenticator.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the tenant key failed validation and the request
// should be rejected before any registry access.
var ErrUnauthorized = errors.New("unauthorized")

// TenantAuthenticator validates tenant keys. Implementations must be safe for
// concurrent use and should return ErrUnauthorized (possibly wrapped) for
// invalid keys.
type TenantAuthenticator interface {
	CheckTenant(ctx context.Context, key string) error
}

// AllowAll accepts every non-empty tenant key. It is the default policy: the
// key is treated purely as a routing namespace.
type AllowAll struct{}

func (AllowAll) CheckTenant(ctx context.Context, key string) error {
	if key == "" {
		return ErrUnauthorized
	}
	return nil
}

var _ TenantAuthenticator = AllowAll{}

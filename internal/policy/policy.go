// Package policy decides whether a caller may submit another scan.
package policy

import (
	"context"
	"fmt"
)

// Modes accepted by policy.mode.
const (
	ModeUnrestricted     = "unrestricted"
	ModePerIdentityQuota = "per_identity_quota"
)

// Admission gates submissions. A rejection wraps scan.ErrQuotaExceeded.
type Admission interface {
	Admit(ctx context.Context, identity string) error
}

// Unrestricted admits every submission.
type Unrestricted struct{}

// Admit always returns nil.
func (Unrestricted) Admit(context.Context, string) error {
	return nil
}

// ValidateMode reports whether mode names a known policy.
func ValidateMode(mode string) error {
	switch mode {
	case ModeUnrestricted, ModePerIdentityQuota:
		return nil
	default:
		return fmt.Errorf("unknown policy mode %q", mode)
	}
}

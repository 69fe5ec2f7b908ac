package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnrestrictedAdmitsEverything(t *testing.T) {
	t.Parallel()

	var a Admission = Unrestricted{}
	for range 100 {
		require.NoError(t, a.Admit(context.Background(), "same-caller"))
	}
}

func TestValidateMode(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateMode(ModeUnrestricted))
	require.NoError(t, ValidateMode(ModePerIdentityQuota))
	require.Error(t, ValidateMode("paywall"))
}

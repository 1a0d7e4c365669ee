package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := NewNotFound("vm.Get", "vm not found")
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Conflict))
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	err := fmt.Errorf("handler: %w", NewConflict("vm.Start", "already running"))
	require.True(t, Is(err, Conflict))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("boom"), Transient))
}

func TestWrapTransientCarriesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := WrapTransient("store.Write", cause)
	require.Equal(t, Transient, err.Kind)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "dial tcp: timeout")
}

func TestRetryableOnlyForTransient(t *testing.T) {
	require.True(t, Transient.Retryable())
	require.False(t, NotFound.Retryable())
	require.False(t, ExternalFailure.Retryable())
}

func TestErrorWithoutCauseOmitsTrailingColon(t *testing.T) {
	err := NewInvariant("fencing.sweep", "no live candidates")
	require.Equal(t, "fencing.sweep: no live candidates", err.Error())
}

package ttsbridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindCodes(t *testing.T) {
	// Codes 0-5 are shared with existing web clients.
	tests := []struct {
		kind Kind
		code int
	}{
		{KindSuccess, 0},
		{KindNoClientConfigured, 1},
		{KindBridgeTimeout, 2},
		{KindBridgeUnreachable, 3},
		{KindRegistrationFailed, 4},
		{KindInternal, 5},
		{KindBridgeTokenInvalid, 6},
		{KindUnsupportedLanguage, 12},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			require.Equal(t, tt.code, tt.kind.Code())
		})
	}
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindSuccess, KindOf(nil))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))

	err := E(KindArtifactNotFound, "catalog.Delete", nil)
	require.Equal(t, KindArtifactNotFound, KindOf(err))

	wrapped := fmt.Errorf("handling request: %w", err)
	require.Equal(t, KindArtifactNotFound, KindOf(wrapped))
	require.True(t, IsKind(wrapped, KindArtifactNotFound))
	require.False(t, IsKind(nil, KindSuccess))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindBridgeUnreachable, "bridge.ListSpeechEngines", cause)

	require.Equal(t, "bridge.ListSpeechEngines: bridge unreachable: connection refused", err.Error())
	require.ErrorIs(t, err, cause)

	require.Equal(t, "store unavailable", E(KindStoreUnavailable, "", nil).Error())
	require.Equal(t, "kind(99)", Kind(99).String())
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/model"
)

func TestConnectURLSelectsExternalServer(t *testing.T) {
	// Embedded defaults true; a configured URL must still win instead
	// of being silently ignored. The unreachable URL proves no embedded
	// fallback happens.
	_, err := Connect(model.NATSConfig{URL: "nats://127.0.0.1:1", Embedded: true}, t.TempDir())
	require.Error(t, err)
	require.ErrorContains(t, err, "connect to NATS")
}

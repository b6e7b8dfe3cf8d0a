package config

import (
	"testing"

	"github.com/meow-io/go-e2ee/event"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	c := NewConfig()
	require.Equal(200, c.BackupBatchSize)
	require.Equal(100, c.ImportProgressInterval)
	require.Equal(250, c.ToDeviceBatchSize)
	require.Equal(event.TrustUntrusted, c.TrustRequirement)
	require.True(c.RoomKeyRequestsEnabled)
	require.True(c.RoomKeyForwardingEnabled)
	require.False(c.EncryptionDisabled)
	require.Nil(c.MetricsRegisterer)
}

func TestOptions(t *testing.T) {
	require := require.New(t)

	c := NewConfig(
		WithBackupBatchSize(5),
		WithImportProgressInterval(2),
		WithTrustRequirement(event.TrustCrossSigned),
		WithRoomKeyForwarding(false),
		WithLoggingPrefix("alice"),
	)
	require.Equal(5, c.BackupBatchSize)
	require.Equal(2, c.ImportProgressInterval)
	require.Equal(event.TrustCrossSigned, c.TrustRequirement)
	require.False(c.RoomKeyForwardingEnabled)
	require.NotNil(c.Logger("test"))
}

package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Enable)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemtablesThreshold = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.L0FilesThreshold = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HardPendingCompactionBytesLimit = cfg.SoftPendingCompactionBytesLimit
	require.Error(t, cfg.Validate())
}

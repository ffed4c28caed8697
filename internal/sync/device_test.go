package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceNamePrefersConfig(t *testing.T) {
	assert.Equal(t, "workstation-7", DeviceName("workstation-7", t.TempDir()))
}

func TestPersistedDeviceIDStable(t *testing.T) {
	dir := t.TempDir()

	first := persistedDeviceID(dir)
	assert.Contains(t, first, "device-")
	assert.Equal(t, first, persistedDeviceID(dir), "id must survive restarts")

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	require.NoError(t, err)
	assert.Equal(t, first+"\n", string(data))
}

func TestPersistedDeviceIDIgnoresBlankFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device_id"), []byte("  \n"), 0o644))

	id := persistedDeviceID(dir)
	assert.Contains(t, id, "device-")
}

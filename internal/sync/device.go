package sync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceName resolves the identity this workstation reports under.
// Preference order: explicit config, hostname (with the macOS ".local"
// suffix stripped), then a generated id persisted under dataDir so the
// identity survives restarts.
func DeviceName(configured, dataDir string) string {
	if configured != "" {
		return configured
	}

	if hostname, err := os.Hostname(); err == nil {
		hostname = strings.TrimSuffix(hostname, ".local")
		if hostname != "" && hostname != "localhost" && hostname != "unknown" {
			return hostname
		}
	}

	return persistedDeviceID(dataDir)
}

func persistedDeviceID(dataDir string) string {
	path := filepath.Join(dataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := "device-" + uuid.NewString()
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

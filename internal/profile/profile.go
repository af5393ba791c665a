// Package profile resolves the on-disk locations the CLI reads and writes:
// the default config file, and named profile config files kept alongside it
// (spec §6's single configurable base directory, extended with named
// profiles so one operator can run multiple isolated instances).
package profile

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigName is the config file name used when no profile is active.
const DefaultConfigName = "config.yaml"

const envBaseDir = "CONDUCTOR_HOME"

// BaseDir returns the root directory all profile and config state lives
// under: $CONDUCTOR_HOME if set, otherwise ~/.conductor.
func BaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(envBaseDir)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// DefaultConfigPath returns the config file path used when no profile and
// no explicit --config flag is given.
func DefaultConfigPath() string {
	return filepath.Join(BaseDir(), DefaultConfigName)
}

// ProfileConfigPath returns the config file path for a named profile.
func ProfileConfigPath(name string) string {
	return filepath.Join(BaseDir(), "profiles", name+".yaml")
}

func profilesDir() string {
	return filepath.Join(BaseDir(), "profiles")
}

func activeProfileFile() string {
	return filepath.Join(BaseDir(), "active-profile")
}

// ListProfiles returns the names of every profile with a config file on
// disk, sorted by filesystem order.
func ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(profilesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") {
			names = append(names, strings.TrimSuffix(name, ".yaml"))
		}
	}
	return names, nil
}

// ReadActiveProfile returns the name of the profile marked active via
// WriteActiveProfile, or "" if none is set.
func ReadActiveProfile() (string, error) {
	raw, err := os.ReadFile(activeProfileFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// WriteActiveProfile persists name as the active profile.
func WriteActiveProfile(name string) error {
	if err := os.MkdirAll(BaseDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(activeProfileFile(), []byte(name+"\n"), 0o644)
}

package profile

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const (
	DefaultName = "main"

	// NameEnv selects the profile when no --profile flag is given.
	NameEnv = "CHATSYNC_PROFILE"
)

// Resolve picks the active profile name. A non-empty flagOverride wins, then
// CHATSYNC_PROFILE, then default_profile from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(NameEnv); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides $CHATSYNC_PROFILE and config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	settings, err := loadProfile(profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			Config:      settings,
			Reload:      func() (config.Profile, error) { return loadProfile(profileName) },
		}),
	)

	app.Run()
}

// loadProfile reads the config file (a missing file means defaults) and
// resolves the named profile with environment overrides applied.
func loadProfile(name string) (config.Profile, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Profile{}, err
	}
	settings := cfg.Profile(name)
	if err := settings.Validate(); err != nil {
		return config.Profile{}, fmt.Errorf("profile %q: %w", name, err)
	}
	return settings, nil
}

package profile

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultName = "main"

// ErrInvalidName is returned for names outside ^[a-z0-9_-]{1,64}$. Names
// become directory components, so nothing else is accepted.
var ErrInvalidName = errors.New("invalid profile name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-z0-9_-]{1,64}$", ErrInvalidName, name)
	}
	return nil
}

// Resolve picks the active profile and validates it. Precedence:
//  1. flagOverride (--profile)
//  2. default_profile from config.toml, overridden by CHATSYNC_PROFILE
//  3. "main"
//
// An invalid name is reported together with where it came from.
func Resolve(flagOverride string) (string, error) {
	name, source := DefaultName, "default"
	if flagOverride != "" {
		name, source = flagOverride, "--profile"
	} else if cfg, err := config.LoadOverlay(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		name, source = cfg.DefaultProfile, "default_profile"
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}

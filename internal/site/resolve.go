package site

import (
	"fmt"
	"os"
)

// Resolve picks the site ID.
// Priority: explicit > SENTIO_SITE > "default".
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateID(explicit); err != nil {
			return "", fmt.Errorf("invalid site ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("SENTIO_SITE"); env != "" {
		if err := ValidateID(env); err != nil {
			return "", fmt.Errorf("invalid SENTIO_SITE %q: %w", env, err)
		}
		return env, nil
	}

	return DefaultID, nil
}

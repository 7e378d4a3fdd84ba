// Package site resolves which deployment site a command operates on and
// where that site's database lives.
//
// A site is one farm or barn running the classifier. Each site keeps its own
// staging records, feedback history and thresholds, so sites never share a
// database file.
package site

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultID is the site used when none is configured.
const DefaultID = "default"

// ErrInvalidID indicates the site ID format is invalid.
var ErrInvalidID = errors.New("invalid site ID: must be lowercase alphanumeric with hyphens, 1-2 path segments")

// idRegex accepts "<segment>" or "<region>/<segment>". Segments are 1-48
// lowercase alphanumerics and hyphens with no leading or trailing hyphen.
var idRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?(/[a-z0-9]([a-z0-9-]{0,46}[a-z0-9])?)?$`)

// ValidateID checks the format of a site ID.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, "--") {
		return ErrInvalidID
	}
	if !idRegex.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

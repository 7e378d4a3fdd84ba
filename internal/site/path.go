package site

import (
	"os"
	"path/filepath"
	"strings"
)

// DBFile is the database filename inside a site directory.
const DBFile = "sentio.db"

// Root returns the directory holding every site.
// SENTIO_HOME overrides the default of ~/.sentio; without a home directory
// it falls back to ./.sentio.
func Root() string {
	if h := os.Getenv("SENTIO_HOME"); h != "" {
		return filepath.Join(h, "sites")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".sentio", "sites")
	}
	return filepath.Join(home, ".sentio", "sites")
}

// EncodePath turns a site ID into a single directory name.
func EncodePath(id string) string {
	return strings.ReplaceAll(id, "/", "__")
}

// DecodePath reverses EncodePath.
func DecodePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// DBPath returns the database path for a site.
// Example: DBPath("north/barn-2") -> ~/.sentio/sites/north__barn-2/sentio.db
func DBPath(id string) string {
	return filepath.Join(Root(), EncodePath(id), DBFile)
}

// List returns the IDs of sites that already have a database under Root.
func List() ([]string, error) {
	entries, err := os.ReadDir(Root())
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(Root(), e.Name(), DBFile)); err != nil {
			continue
		}
		out = append(out, DecodePath(e.Name()))
	}
	return out, nil
}

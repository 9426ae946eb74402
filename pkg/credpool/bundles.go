package credpool

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

type bundleFile struct {
	Bundles []Bundle `toml:"bundle"`
}

// LoadBundles reads [[bundle]] tables from a TOML file. A secret of the form
// "$NAME" is replaced by the NAME environment variable when it is set.
func LoadBundles(path string) ([]Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundles %s: %w", path, err)
	}
	return ParseBundles(data)
}

// ParseBundles decodes a bundle file body.
func ParseBundles(data []byte) ([]Bundle, error) {
	var f bundleFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bundles: %w", err)
	}
	for i := range f.Bundles {
		f.Bundles[i].Secret = resolveEnv(f.Bundles[i].Secret)
		f.Bundles[i].Endpoint = resolveEnv(f.Bundles[i].Endpoint)
	}
	return f.Bundles, nil
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

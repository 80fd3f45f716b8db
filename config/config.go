// Package config loads shmcachectl's on-disk configuration and writes the
// attach manifest sidecar that records the most recent attach to a region.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/shmcache/shmcache/pkg/shmcache"
)

// Config holds the options shmcachectl reads from an optional on-disk
// config file, expressed as JWCC (JSON with comments and trailing
// commas) so it stays hand-editable.
type Config struct {
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// DefaultConfig returns the zero-value config: no path override, default
// region size.
func DefaultConfig() Config {
	return Config{}
}

// Load reads and parses the JWCC config file at path. A missing file is
// not an error; it returns [DefaultConfig].
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // CLI-provided config path
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC in %s: %w", path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON in %s: %w", path, err)
	}

	return cfg, nil
}

// ToOptions converts a loaded Config into [shmcache.Options], applying
// path/size overrides when non-empty.
func (c Config) ToOptions(pathOverride string, sizeOverride int64) shmcache.Options {
	opts := shmcache.Options{Path: c.Path, Size: c.Size}

	if pathOverride != "" {
		opts.Path = pathOverride
	}

	if sizeOverride != 0 {
		opts.Size = sizeOverride
	}

	return opts
}

// Manifest records the most recent attach made through shmcachectl,
// written as a sidecar file next to the region's backing file so it can
// be inspected without mapping the region itself. shmcachectl rewrites
// it on every attach: Size is the size that attach requested (0 for the
// default) and CreatedAt is the time of that attach, not of the region's
// creation.
type Manifest struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// manifestPath derives the sidecar path for a region.
func manifestPath(regionPath string) string {
	return regionPath + ".manifest.json"
}

// WriteManifest atomically (re)writes the manifest sidecar for a region,
// so that concurrent attachers never observe a half-written file
// (teacher root go.mod's natefinch/atomic dependency, otherwise unused
// once the ticket-tracker app it served was removed).
func WriteManifest(regionPath string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	data = append(data, '\n')

	dir := filepath.Dir(regionPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}

	if err := atomic.WriteFile(manifestPath(regionPath), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// ReadManifest reads the sidecar manifest for a region, if present.
func ReadManifest(regionPath string) (Manifest, bool, error) {
	data, err := os.ReadFile(manifestPath(regionPath)) //nolint:gosec // derived from CLI-provided path
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}

		return Manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("parse manifest: %w", err)
	}

	return m, true, nil
}

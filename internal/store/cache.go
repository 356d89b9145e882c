// Package store persists a snapshot of known peers so a restarted node can
// warm-start its registry instead of waiting for discovery.
package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"peermesh/internal/capability"
)

// Cache is the on-disk peer snapshot.
type Cache struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Peers     []CachedPeer `yaml:"peers"`
}

// CachedPeer records where a peer was last reachable. Health is
// deliberately absent: cached peers re-enter the registry as unknown and
// must pass a fresh probe.
type CachedPeer struct {
	ID         string                      `yaml:"id"`
	Addr       string                      `yaml:"addr"`
	Method     string                      `yaml:"method"`
	Capability capability.DeviceCapability `yaml:"capability"`
	LastSeenAt time.Time                   `yaml:"last_seen_at"`
}

// LoadCache loads the peer cache from disk. If the file is missing, returns
// an empty cache.
func LoadCache(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Cache{}, nil
		}
		return nil, err
	}

	var c Cache
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// SaveCache writes the peer cache to disk.
func SaveCache(path string, c *Cache) error {
	if c == nil {
		return nil
	}
	c.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

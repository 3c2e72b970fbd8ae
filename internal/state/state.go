package state

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// Cache is an optional per-folder journal of message fingerprints known to
// exist at the destination. It is a hint, never an authority: every run
// rebuilds each folder's entry from the live destination listing, so stale
// entries cannot suppress copies. Its value is cheap resume reporting across
// runs ("N folders have prior progress") without re-listing anything.

type Cache struct {
	mu      sync.Mutex
	Folders map[string][]string `json:"folders"`
}

func Load(path string) (*Cache, error) {
	c := &Cache{Folders: make(map[string][]string)}
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if c.Folders == nil {
		c.Folders = make(map[string][]string)
	}
	return c, nil
}

func (c *Cache) Save(path string) error {
	if path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// SetFolder replaces folder's entry with the fingerprints observed in a live
// listing. Anything previously recorded that the listing no longer shows is
// discarded here.
func (c *Cache) SetFolder(folder string, fingerprints []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fps := make([]string, len(fingerprints))
	copy(fps, fingerprints)
	c.Folders[folder] = fps
}

// Add appends one fingerprint to folder's entry, typically right after a
// successful append to the destination.
func (c *Cache) Add(folder, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Folders[folder] = append(c.Folders[folder], fingerprint)
}

// Known returns how many fingerprints are recorded for folder.
func (c *Cache) Known(folder string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Folders[folder])
}

// FoldersWithProgress counts folders with at least one recorded fingerprint.
func (c *Cache) FoldersWithProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, fps := range c.Folders {
		if len(fps) > 0 {
			n++
		}
	}
	return n
}

package cli

import (
	"os"
	"path/filepath"
)

// Paths describes the layout of an mpd data directory.
type Paths struct {
	// Root is the data directory.
	Root string
}

// DefaultRoot returns ~/.mpd.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultBaseDir), nil
}

// NewPaths returns the layout rooted at root, or at DefaultRoot if root is
// empty.
func NewPaths(root string) (*Paths, error) {
	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return nil, err
		}
	}
	return &Paths{Root: root}, nil
}

// ConfigFile returns <root>/config.yaml.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.Root, DefaultConfigFile)
}

// StoreDir returns the badger record store directory.
func (p *Paths) StoreDir() string {
	return filepath.Join(p.Root, "store")
}

// SQLiteFile returns the sqlite record store file.
func (p *Paths) SQLiteFile() string {
	return filepath.Join(p.Root, "records.db")
}

// IndexDir returns the directory holding local index artifacts.
func (p *Paths) IndexDir() string {
	return filepath.Join(p.Root, "index")
}

// LockFile returns the file locked by the process that writes the index.
func (p *Paths) LockFile() string {
	return filepath.Join(p.Root, "index.lock")
}

// EnsureRoot creates the data directory if it doesn't exist.
func (p *Paths) EnsureRoot() error {
	return os.MkdirAll(p.Root, 0755)
}

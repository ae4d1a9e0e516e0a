package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps uploaded petition documents on the filesystem, one file per
// satisfied requirement. Refs are paths relative to the store root so they
// stay stable across workspace moves.
type Store struct {
	Root string
}

// New returns a store rooted under the workspace data directory.
func New(workspace string) *Store {
	if workspace == "" {
		workspace = "."
	}
	return &Store{Root: filepath.Join(workspace, ".caseline", "blobs")}
}

// Put writes document bytes for a petition requirement and returns the ref.
func (s *Store) Put(petitionID, requirementID string, data []byte) (string, error) {
	if petitionID == "" || requirementID == "" {
		return "", fmt.Errorf("petition and requirement ids required")
	}
	dir := filepath.Join(s.Root, petitionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ref := petitionID + "/" + requirementID
	if err := os.WriteFile(filepath.Join(s.Root, filepath.FromSlash(ref)), data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

// Get reads document bytes by ref.
func (s *Store) Get(ref string) ([]byte, error) {
	if strings.Contains(ref, "..") {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	return os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(ref)))
}

package switchboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wireloop/sfu/internal/sfu/identity"
)

// FilePersister is the optional block-list persistence backend named in
// spec.md §6 ("Persistent state: None required. If block persistence is
// enabled..."). It writes the full block set as JSON on every mutation,
// via a temp-file-then-rename so a crash mid-write never leaves a
// truncated file behind.
type FilePersister struct {
	path string
}

// NewFilePersister targets path as the persisted block-set file.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

type blockPairJSON struct {
	Blocker identity.UserID `json:"blocker"`
	Blocked identity.UserID `json:"blocked"`
}

// Save atomically overwrites the persisted file with pairs.
func (p *FilePersister) Save(pairs [][2]identity.UserID) error {
	out := make([]blockPairJSON, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, blockPairJSON{Blocker: pair[0], Blocked: pair[1]})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("switchboard: marshal block set: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".blocks-*.tmp")
	if err != nil {
		return fmt.Errorf("switchboard: create temp block file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("switchboard: write temp block file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("switchboard: close temp block file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("switchboard: rename block file: %w", err)
	}
	return nil
}

// Load reads a previously persisted block set. A missing file is not an
// error; it simply yields no pairs, matching a fresh install.
func Load(path string) ([][2]identity.UserID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("switchboard: read block file: %w", err)
	}
	var parsed []blockPairJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("switchboard: parse block file: %w", err)
	}
	pairs := make([][2]identity.UserID, 0, len(parsed))
	for _, bp := range parsed {
		pairs = append(pairs, [2]identity.UserID{bp.Blocker, bp.Blocked})
	}
	return pairs, nil
}

// ABOUTME: Durable agent-side state: the assigned id and the set of media
// ABOUTME: ids held locally, stored as a small JSON file in the data dir.

package agentclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

const stateFileName = "data.json"

// Data is the agent's durable identity and library index.
type Data struct {
	ID      uint16   `json:"id"`
	Library []uint16 `json:"library"`
}

// LoadData reads the state file from the data dir. Returns os.ErrNotExist
// when the agent has never registered.
func LoadData(dataDir string) (*Data, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, stateFileName))
	if err != nil {
		return nil, err
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parsing agent state file: %w", err)
	}
	return &d, nil
}

// Save writes the state file, creating the data dir if needed.
func (d *Data) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding agent state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, stateFileName), raw, 0o644); err != nil {
		return fmt.Errorf("writing agent state file: %w", err)
	}
	return nil
}

// Has reports whether the media id is in the local library index.
func (d *Data) Has(id uint16) bool {
	return slices.Contains(d.Library, id)
}

// AddMedia records a local copy. Returns false if already present.
func (d *Data) AddMedia(id uint16) bool {
	if d.Has(id) {
		return false
	}
	d.Library = append(d.Library, id)
	return true
}

// RemoveMedia forgets a local copy. Returns false if absent.
func (d *Data) RemoveMedia(id uint16) bool {
	i := slices.Index(d.Library, id)
	if i < 0 {
		return false
	}
	d.Library = slices.Delete(d.Library, i, i+1)
	return true
}

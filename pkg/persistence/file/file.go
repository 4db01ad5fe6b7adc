// Package file provides a JSON-file persistence implementation used by unit
// tests and local development. All repositories share one lock, so the
// uniqueness constraints the SQL store expresses as indexes hold here too.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on top of a directory tree.
type Persistence struct {
	root string
	mu   sync.Mutex

	projectRepo   *ProjectRepository
	flowRepo      *FlowRepository
	flowGroupRepo *FlowGroupRepository
	flowRunRepo   *FlowRunRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.projectRepo = &ProjectRepository{persistence: p}
	p.flowRepo = &FlowRepository{persistence: p}
	p.flowGroupRepo = &FlowGroupRepository{persistence: p}
	p.flowRunRepo = &FlowRunRepository{persistence: p}

	return p
}

// Close performs any necessary cleanup; nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Projects() persistence.ProjectRepository {
	return p.projectRepo
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flowRepo
}

func (p *Persistence) FlowGroups() persistence.FlowGroupRepository {
	return p.flowGroupRepo
}

func (p *Persistence) FlowRuns() persistence.FlowRunRepository {
	return p.flowRunRepo
}

func (p *Persistence) dir(kind string) string {
	return filepath.Join(p.root, kind)
}

func (p *Persistence) write(kind, id string, record any) error {
	dir := p.dir(kind)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	return nil
}

// read loads one record; found=false when the file does not exist.
func (p *Persistence) read(kind, id string, record any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(p.dir(kind), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}

	if err := json.Unmarshal(data, record); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}

	return true, nil
}

func (p *Persistence) remove(kind, id string) (bool, error) {
	err := os.Remove(filepath.Join(p.dir(kind), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	return true, nil
}

// each calls fn with the raw bytes of every record of a kind.
func (p *Persistence) each(kind string, fn func(data []byte) error) error {
	entries, err := os.ReadDir(p.dir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to list %s: %w", kind, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.dir(kind), entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s %s: %w", kind, entry.Name(), err)
		}

		if err := fn(data); err != nil {
			return err
		}
	}

	return nil
}

package placement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// DesiredWriterGroup is one operator-declared writer group. Its job id is
// the writer group id.
type DesiredWriterGroup struct {
	ID            string                      `yaml:"id"`
	Name          string                      `yaml:"name"`
	Redundancy    types.RedundancyConfig      `yaml:"redundancy"`
	Demands       []types.Demand              `yaml:"demands"`
	Configuration jobconfig.WriterGroupConfig `yaml:"configuration"`
}

// encode returns the job configuration payload of the writer group.
func (g DesiredWriterGroup) encode() ([]byte, error) {
	cfg := g.Configuration
	cfg.WriterGroupID = g.ID
	cfg.Name = g.Name
	cfg.ConnectionIdentity = ""
	return jobconfig.Encode(cfg)
}

// WriterGroupSource lists the desired writer groups.
type WriterGroupSource interface {
	ListDesiredWriterGroups(ctx context.Context) ([]DesiredWriterGroup, error)
}

// CandidateSource lists agents that may receive leases for a job with the
// given demands. Returned agents are still filtered by the matcher.
type CandidateSource interface {
	ListCandidateAgents(ctx context.Context, demands []types.Demand) ([]types.Agent, error)
}

// ============================================================================
// StaticSource
// ============================================================================

// StaticSource is an in-memory WriterGroupSource.
type StaticSource struct {
	mu     sync.RWMutex
	groups map[string]DesiredWriterGroup
}

// NewStaticSource returns a source holding groups.
func NewStaticSource(groups ...DesiredWriterGroup) *StaticSource {
	s := &StaticSource{groups: make(map[string]DesiredWriterGroup)}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	return s
}

// Set adds or replaces a writer group.
func (s *StaticSource) Set(g DesiredWriterGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// Remove drops a writer group.
func (s *StaticSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
}

// ListDesiredWriterGroups implements WriterGroupSource, sorted by id.
func (s *StaticSource) ListDesiredWriterGroups(ctx context.Context) ([]DesiredWriterGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DesiredWriterGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// FileSource
// ============================================================================

// FileSource reads writer groups from a YAML file:
//
//	writer_groups:
//	  - id: wg-1
//	    name: line 1
//	    redundancy: {desired_active_agents: 1, desired_passive_agents: 1}
//	    demands:
//	      - {key: site, operator: equals, value: plant-1}
//	    configuration:
//	      messaging_mode: Samples
//	      publishing_interval: 1s
//
// An empty or missing file means no writer groups only until the file has
// been read once. Afterwards both fail with ErrSourceUnavailable, so an
// editor replacing the file or a transient unmount never empties the
// desired set; an intentionally empty set is written as "writer_groups: []".
type FileSource struct {
	path string

	mu   sync.Mutex
	seen bool
}

// ErrSourceUnavailable is returned when a previously read writer group file
// is gone or empty.
var ErrSourceUnavailable = errors.New("writer group source unavailable")

type writerGroupFile struct {
	WriterGroups []DesiredWriterGroup `yaml:"writer_groups"`
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the file path.
func (f *FileSource) Path() string { return f.path }

// ListDesiredWriterGroups implements WriterGroupSource.
func (f *FileSource) ListDesiredWriterGroups(ctx context.Context) ([]DesiredWriterGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read writer groups: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if f.seen {
			return nil, fmt.Errorf("%w: %s is missing or empty", ErrSourceUnavailable, f.path)
		}
		return nil, nil
	}

	var doc writerGroupFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w: %v", f.path, types.ErrValidation, err)
	}
	f.seen = true
	sort.SliceStable(doc.WriterGroups, func(i, j int) bool { return doc.WriterGroups[i].ID < doc.WriterGroups[j].ID })
	return doc.WriterGroups, nil
}

// Watch calls onChange whenever the file is written or created, until ctx is
// done. The parent directory is watched so editors that replace the file are
// noticed; a rename or removal alone triggers nothing until the file is back.
func (f *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}

	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Writer group watcher error", "path", f.path, "error", err)
		}
	}
}

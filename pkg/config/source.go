package config

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSection is the gateway file section holding the BLE settings.
const DefaultSection = "ble"

// Source yields the current Snapshot. It is consulted at start and on every reload tick.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileSource reads a section of a gateway configuration file (JSON or YAML by extension).
// The file is re-read on every Load, so external edits are picked up by the next reload.
type FileSource struct {
	Path    string
	Section string
}

// NewFileSource returns a FileSource; an empty section selects DefaultSection.
func NewFileSource(path, section string) *FileSource {
	if section == "" {
		section = DefaultSection
	}
	return &FileSource{Path: path, Section: section}
}

func (f *FileSource) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", f.Path, err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, &Error{Key: f.Section, Msg: fmt.Sprintf("failed to decode %s: %v", f.Path, err)}
	}

	section, ok := doc[f.Section]
	if !ok {
		return nil, &Error{Key: f.Section, Msg: fmt.Sprintf("section missing in %s", f.Path)}
	}
	raw, ok := section.(map[string]any)
	if !ok {
		return nil, &Error{Key: f.Section, Msg: fmt.Sprintf("section must be a mapping, got %T", section)}
	}
	return Parse(raw)
}

// MemorySource holds a mutable mapping. Set replaces it wholesale.
type MemorySource struct {
	mu  sync.RWMutex
	raw map[string]any
	err error
}

// NewMemorySource returns a MemorySource seeded with raw.
func NewMemorySource(raw map[string]any) *MemorySource {
	return &MemorySource{raw: maps.Clone(raw)}
}

// Set replaces the mapping and clears any injected failure.
func (m *MemorySource) Set(raw map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = maps.Clone(raw)
	m.err = nil
}

// Fail makes every Load return err until the next Set.
func (m *MemorySource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemorySource) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return Parse(m.raw)
}

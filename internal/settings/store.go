// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists Settings as a YAML file.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// Open loads the settings at path. A missing file yields the defaults, which
// are written out so the operator has a file to edit.
func Open(path string) (*Store, error) {
	st := &Store{path: path, current: Defaults()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := st.write(st.current); err != nil {
			return nil, err
		}
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	// absent keys keep their defaults
	loaded := Defaults()
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	st.current = loaded
	return st, nil
}

func (st *Store) Path() string { return st.path }

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Save validates and persists s, replacing the current settings.
func (st *Store) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.write(s); err != nil {
		return err
	}
	st.current = s
	return nil
}

// Patch merges a partial JSON document into the current settings and saves
// the result.
func (st *Store) Patch(patch []byte) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	merged, err := st.current.Merge(patch)
	if err != nil {
		return st.current, err
	}
	if err := st.write(merged); err != nil {
		return st.current, err
	}
	st.current = merged
	return merged, nil
}

// Reset restores and saves the factory defaults.
func (st *Store) Reset() (Settings, error) {
	d := Defaults()
	return d, st.Save(d)
}

func (st *Store) write(s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(st.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

/*
Copyright 2025 The Warden Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package share provides byte-level access to a workspace share: a host
// directory mirrored into a guest by virtiofs. The host writes code under
// input/ and reads results under output/; the guest sees the same tree under
// its mount tag.
package share

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned by ReadFile when the file does not exist.
	ErrNotFound = errors.New("file not found in share")

	errRootMissing  = errors.New("share root directory does not exist")
	errPathEscapes  = errors.New("path escapes the share root")
	errWriteFile    = errors.New("failed to write file to share")
	errReadFile     = errors.New("failed to read file from share")
	errCleanupShare = errors.New("failed to clean up share")
)

// Share is a handle to one workspace share root.
type Share struct {
	root string
}

// Open opens the share rooted at dir. The directory must already exist; it
// is created by the VM manager when the domain is defined.
func Open(dir string) (*Share, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errors.Join(err, fmt.Errorf("dir=%s", dir), errRootMissing)
	}
	return &Share{root: dir}, nil
}

// Root returns the host-side path of the share root.
func (s *Share) Root() string {
	return s.root
}

// resolve maps a relative path inside the share to a host path, rejecting
// anything that would land outside the root.
func (s *Share) resolve(rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", errors.Join(fmt.Errorf("path=%s", rel), errPathEscapes)
	}
	return filepath.Join(s.root, rel), nil
}

// WriteFile writes data to the given relative path, creating parent
// directories as needed.
func (s *Share) WriteFile(rel string, data []byte) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", rel), errWriteFile)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", rel), errWriteFile)
	}
	return nil
}

// ReadFile reads the file at the given relative path. A missing file yields
// ErrNotFound.
func (s *Share) ReadFile(rel string) ([]byte, error) {
	path, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Join(fmt.Errorf("path=%s", rel), ErrNotFound)
		}
		return nil, errors.Join(err, fmt.Errorf("path=%s", rel), errReadFile)
	}
	return data, nil
}

// Cleanup removes everything under the share root but preserves the root
// directory itself, so the virtiofs mount stays valid. Idempotent.
func (s *Share) Cleanup() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Join(err, fmt.Errorf("root=%s", s.root), errCleanupShare)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return errors.Join(err, fmt.Errorf("entry=%s", entry.Name()), errCleanupShare)
		}
	}
	return nil
}

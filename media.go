/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/julienschmidt/httprouter"
)

// MediaStore keeps audio files on disk under a single root, laid out as
//
//	seeds/{seed-name}.wav
//	game-{id}/{cluster}/{chain-index}/{seed-name}-{generation}.wav
//
// Paths handed to its methods are always relative to the root and use
// forward slashes.
type MediaStore struct {
	root string
}

func NewMediaStore(root string) (*MediaStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "seeds"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	return &MediaStore{root: root}, nil
}

func (m *MediaStore) abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// Save writes r to rel, creating parent directories as needed.
func (m *MediaStore) Save(rel string, r io.Reader) error {
	dest := m.abs(rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	return err
}

// Copy duplicates an existing media file to a new relative path.
func (m *MediaStore) Copy(srcRel, destRel string) error {
	src, err := os.Open(m.abs(srcRel))
	if err != nil {
		return err
	}
	defer src.Close()

	return m.Save(destRel, src)
}

func (m *MediaStore) Exists(rel string) bool {
	_, err := os.Stat(m.abs(rel))
	return err == nil
}

func (m *MediaStore) Remove(rel string) error {
	return os.Remove(m.abs(rel))
}

// SeedPath is where a named seed's audio lives.
func (m *MediaStore) SeedPath(name string) string {
	return "seeds/" + name + ".wav"
}

// EntryPath names an entry's audio file {seed}-{generation}.wav inside
// the chain directory. Branching chains can hold several entries of the
// same generation, so the entry ID is appended when the plain name is
// already taken.
func (m *MediaStore) EntryPath(chainDir, seedName string, generation int, entryID int64) string {
	plain := path.Join(chainDir, fmt.Sprintf("%s-%d.wav", seedName, generation))
	if !m.Exists(plain) {
		return plain
	}
	return path.Join(chainDir, fmt.Sprintf("%s-%d-%d.wav", seedName, generation, entryID))
}

// URL maps a relative media path to its public URL.
func mediaURL(cfg *Config, rel string) string {
	return cfg.prefix + "/media/" + rel
}

func registerMedia(cfg *Config, m *MediaStore, mux *httprouter.Router) {
	mux.ServeFiles(cfg.prefix+"/media/*filepath", http.Dir(m.root))
}

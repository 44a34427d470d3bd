// Package modelstore resolves checkpoint names to files in a local store laid
// out as manifests/<name>/<tag> plus content-addressed blobs/sha256-<hex>.
package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag = "latest"

	MediaTypeCheckpoint = "application/vnd.stipple.checkpoint"
	MediaTypeEmbeddings = "application/vnd.stipple.embeddings"

	// EnvModels overrides the store location.
	EnvModels = "STIPPLE_MODELS"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Layer returns the first layer of the given media type.
func (m *Manifest) Layer(mediaType string) (Layer, bool) {
	for _, l := range m.Layers {
		if l.MediaType == mediaType {
			return l, true
		}
	}
	return Layer{}, false
}

// Dir returns $STIPPLE_MODELS or ~/.stipple/models.
func Dir() (string, error) {
	if env := os.Getenv(EnvModels); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stipple", "models"), nil
}

// SplitName splits "name:tag", defaulting the tag.
func SplitName(ref string) (name, tag string) {
	name, tag, ok := strings.Cut(ref, ":")
	if !ok || tag == "" {
		tag = DefaultTag
	}
	return name, tag
}

// BlobName maps a digest "sha256:<hex>" to its file name "sha256-<hex>".
func BlobName(digest string) string {
	return strings.Replace(digest, ":", "-", 1)
}

// Store is a model store rooted at a directory.
type Store struct {
	Root string
}

// Open returns the store at Dir().
func Open() (*Store, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return &Store{Root: dir}, nil
}

func (s *Store) manifestPath(name, tag string) string {
	return filepath.Join(s.Root, "manifests", name, tag)
}

// Manifest reads the manifest for ref.
func (s *Store) Manifest(ref string) (*Manifest, error) {
	name, tag := SplitName(ref)
	path := s.manifestPath(name, tag)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("model manifest not found at %s", path)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// ResolveLayer returns the blob path of ref's layer with the given media type.
func (s *Store) ResolveLayer(ref, mediaType string) (string, error) {
	m, err := s.Manifest(ref)
	if err != nil {
		return "", err
	}
	l, ok := m.Layer(mediaType)
	if !ok {
		return "", fmt.Errorf("no %s layer in manifest for %s", mediaType, ref)
	}
	blobPath := filepath.Join(s.Root, "blobs", BlobName(l.Digest))
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		return "", fmt.Errorf("model blob not found at %s", blobPath)
	}
	return blobPath, nil
}

// Resolve returns ref itself when it names an existing file, otherwise the
// checkpoint blob registered under ref.
func (s *Store) Resolve(ref string) (string, error) {
	if fi, err := os.Stat(ref); err == nil && !fi.IsDir() {
		return ref, nil
	}
	return s.ResolveLayer(ref, MediaTypeCheckpoint)
}

// Import copies src into the blob store and registers it under ref with the
// given media type, replacing any existing layer of that type.
func (s *Store) Import(ref, mediaType, src string) (Layer, error) {
	in, err := os.Open(src)
	if err != nil {
		return Layer{}, err
	}
	defer in.Close()

	blobs := filepath.Join(s.Root, "blobs")
	if err := os.MkdirAll(blobs, 0o755); err != nil {
		return Layer{}, err
	}
	tmp, err := os.CreateTemp(blobs, "partial-*")
	if err != nil {
		return Layer{}, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Layer{}, fmt.Errorf("copy %s: %w", src, err)
	}

	layer := Layer{MediaType: mediaType, Digest: "sha256:" + hex.EncodeToString(h.Sum(nil)), Size: n}
	if err := os.Rename(tmp.Name(), filepath.Join(blobs, BlobName(layer.Digest))); err != nil {
		return Layer{}, err
	}

	m, err := s.Manifest(ref)
	if err != nil {
		m = &Manifest{SchemaVersion: 2}
	}
	kept := m.Layers[:0]
	for _, l := range m.Layers {
		if l.MediaType != mediaType {
			kept = append(kept, l)
		}
	}
	m.Layers = append(kept, layer)

	name, tag := SplitName(ref)
	path := s.manifestPath(name, tag)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Layer{}, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Layer{}, err
	}
	return layer, os.WriteFile(path, data, 0o644)
}

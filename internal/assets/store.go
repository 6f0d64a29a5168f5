package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ManifestFile optionally overrides the default file names in a model dir.
const ManifestFile = "model.json"

// Manifest names the files of one model directory. Paths are relative to
// the directory unless absolute.
type Manifest struct {
	Name       string `json:"name,omitempty"`
	Encoder    string `json:"encoder,omitempty"`
	Decoder    string `json:"decoder,omitempty"`
	Embeddings string `json:"embeddings,omitempty"`
	Vocab      string `json:"vocab,omitempty"`
}

// DefaultManifest is used for any name the manifest leaves empty.
var DefaultManifest = Manifest{
	Encoder:    "encoder.onnx",
	Decoder:    "decoder.onnx",
	Embeddings: "embeddings.bin",
	Vocab:      "vocab.txt",
}

// Store is a model directory.
type Store struct {
	Dir      string
	Manifest Manifest
}

// OpenStore reads dir's manifest if present and fills in defaults.
func OpenStore(dir string) (*Store, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("model directory: %s is not a directory", dir)
	}

	m := Manifest{}
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}

	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.Encoder == "" {
		m.Encoder = DefaultManifest.Encoder
	}
	if m.Decoder == "" {
		m.Decoder = DefaultManifest.Decoder
	}
	if m.Embeddings == "" {
		m.Embeddings = DefaultManifest.Embeddings
	}
	if m.Vocab == "" {
		m.Vocab = DefaultManifest.Vocab
	}
	return &Store{Dir: dir, Manifest: m}, nil
}

// Path resolves a manifest entry against the store directory.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.Dir, name)
}

// VocabPath is the resolved vocabulary file.
func (s *Store) VocabPath() string { return s.Path(s.Manifest.Vocab) }

// Bundle is the set of blobs Load opened. The caller owns them.
type Bundle struct {
	Encoder    *Blob
	Decoder    *Blob
	Embeddings *Blob
}

// Close closes every blob in the bundle.
func (b *Bundle) Close() error {
	var errs []error
	for _, blob := range []*Blob{b.Encoder, b.Decoder, b.Embeddings} {
		if blob != nil {
			errs = append(errs, blob.Close())
		}
	}
	return errors.Join(errs...)
}

// Load opens the encoder, decoder and embedding blobs. Blobs already opened
// are closed again if a later one fails.
func (s *Store) Load() (*Bundle, error) {
	b := &Bundle{}
	for _, f := range []struct {
		name string
		dst  **Blob
	}{
		{s.Manifest.Encoder, &b.Encoder},
		{s.Manifest.Decoder, &b.Decoder},
		{s.Manifest.Embeddings, &b.Embeddings},
	} {
		blob, err := Open(s.Path(f.name))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		*f.dst = blob
	}
	return b, nil
}

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jamesainslie/zkcache/pkg/zkcache/merkle"
)

// Filename is the conventional name the manifest is served and stored under.
const Filename = "manifest.json"

var (
	// ErrInvalid indicates a missing, malformed, or internally inconsistent
	// manifest. Loaders must refuse to serve any file without a valid
	// manifest rather than skip verification.
	ErrInvalid = errors.New("invalid manifest")

	// ErrUnknownFile indicates a fileId the manifest has no entry for.
	ErrUnknownFile = errors.New("file not in manifest")

	// ErrIntegrity indicates bytes that do not match their manifest entry.
	ErrIntegrity = errors.New("integrity verification failed")
)

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and validates a manifest from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Write persists the manifest atomically using a temp file and rename.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp manifest: %w", err)
	}
	return nil
}

// Entry returns the entry for fileID, or ErrUnknownFile.
func (m *Manifest) Entry(fileID string) (FileEntry, error) {
	entry, ok := m.Files[fileID]
	if !ok {
		return FileEntry{}, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	return entry, nil
}

// EntriesByIndex returns all entries ordered by their persisted Index.
func (m *Manifest) EntriesByIndex() []FileEntry {
	entries := make([]FileEntry, 0, len(m.Files))
	for _, entry := range m.Files {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Index < entries[j].Index
	})
	return entries
}

// GlobalRoot recomputes the global Merkle root from the file entries.
func (m *Manifest) GlobalRoot() (string, error) {
	entries := m.EntriesByIndex()
	leaves := make([]string, len(entries))
	for i, entry := range entries {
		leaves[i] = merkle.GlobalLeaf(entry.FileID, entry.FileMerkleRoot, m.Version)
	}
	return merkle.Root(leaves)
}

// Validate checks the manifest for internal consistency. A manifest failing
// any of these checks is unusable: fatal at startup, per the error contract.
func (m *Manifest) Validate() error {
	if m.Version <= 0 {
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalid, m.Version)
	}
	if m.Algorithm != merkle.Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalid, m.Algorithm)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunkSize must be positive, got %d", ErrInvalid, m.ChunkSize)
	}

	seen := make(map[int]string, len(m.Files))
	for fileID, entry := range m.Files {
		if entry.FileID != fileID {
			return fmt.Errorf("%w: entry %q has mismatched fileId %q", ErrInvalid, fileID, entry.FileID)
		}
		if entry.FileSize < 0 {
			return fmt.Errorf("%w: %s: negative fileSize", ErrInvalid, fileID)
		}
		if want := merkle.ChunkCount(entry.FileSize, m.ChunkSize); entry.TotalChunks != want {
			return fmt.Errorf("%w: %s: totalChunks %d does not match size %d with chunkSize %d",
				ErrInvalid, fileID, entry.TotalChunks, entry.FileSize, m.ChunkSize)
		}
		if len(entry.ChunkHashes) != entry.TotalChunks {
			return fmt.Errorf("%w: %s: %d chunk hashes for %d chunks",
				ErrInvalid, fileID, len(entry.ChunkHashes), entry.TotalChunks)
		}
		root, err := merkle.Root(entry.ChunkHashes)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, fileID, err)
		}
		if root != entry.FileMerkleRoot {
			return fmt.Errorf("%w: %s: fileMerkleRoot does not match chunk hashes", ErrInvalid, fileID)
		}
		if entry.Index < 0 || entry.Index >= len(m.Files) {
			return fmt.Errorf("%w: %s: index %d out of range [0,%d)", ErrInvalid, fileID, entry.Index, len(m.Files))
		}
		if other, dup := seen[entry.Index]; dup {
			return fmt.Errorf("%w: duplicate index %d (%s, %s)", ErrInvalid, entry.Index, other, fileID)
		}
		seen[entry.Index] = fileID
	}

	root, err := m.GlobalRoot()
	if err != nil {
		return fmt.Errorf("%w: recomputing root: %v", ErrInvalid, err)
	}
	if root != m.Root {
		return fmt.Errorf("%w: root %q does not match recomputed root %q", ErrInvalid, m.Root, root)
	}

	// Signature is reserved and absent-tolerant; a present value is carried
	// but not checked against anything.
	return nil
}

// VerifyFile checks data against the manifest entry for fileID: size, every
// chunk digest, and the file Merkle root must all match.
func (m *Manifest) VerifyFile(fileID string, data []byte) error {
	entry, err := m.Entry(fileID)
	if err != nil {
		return err
	}

	if int64(len(data)) != entry.FileSize {
		return fmt.Errorf("%w: %s: size %d, manifest says %d", ErrIntegrity, fileID, len(data), entry.FileSize)
	}

	hashes := merkle.ChunkHashes(data, m.ChunkSize)
	if len(hashes) != len(entry.ChunkHashes) {
		return fmt.Errorf("%w: %s: %d chunks, manifest says %d", ErrIntegrity, fileID, len(hashes), len(entry.ChunkHashes))
	}
	for i, h := range hashes {
		if h != entry.ChunkHashes[i] {
			return fmt.Errorf("%w: %s: chunk %d digest mismatch", ErrIntegrity, fileID, i)
		}
	}

	root, err := merkle.Root(hashes)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, fileID, err)
	}
	if root != entry.FileMerkleRoot {
		return fmt.Errorf("%w: %s: file root mismatch", ErrIntegrity, fileID)
	}
	return nil
}

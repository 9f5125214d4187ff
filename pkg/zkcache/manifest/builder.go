package manifest

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
	"github.com/jamesainslie/zkcache/pkg/zkcache/merkle"
)

// Builder generates a Manifest from a directory of artifacts.
//
// Generation has no partial-success contract: any unreadable or unstat-able
// file aborts the whole build. Regenerating from unchanged bytes reproduces
// identical roots.
type Builder struct {
	version   int
	chunkSize int
	log       *logging.Logger
}

// NewBuilder creates a Builder. Zero values select Version and
// merkle.DefaultChunkSize.
func NewBuilder(version, chunkSize int) *Builder {
	if version <= 0 {
		version = Version
	}
	if chunkSize <= 0 {
		chunkSize = merkle.DefaultChunkSize
	}
	return &Builder{
		version:   version,
		chunkSize: chunkSize,
		log:       logging.Get("manifest"),
	}
}

// Build walks dir, chunk-hashes every regular file, and assembles the
// manifest. File IDs are slash-separated paths relative to dir; indices are
// assigned by sorted file ID, which fixes the global leaf order.
func (b *Builder) Build(dir string) (*Manifest, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	paths, err := collectFiles(root)
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(paths)

	m := &Manifest{
		Version:     b.version,
		Algorithm:   merkle.Algorithm,
		ChunkSize:   b.chunkSize,
		GeneratedAt: time.Now().UTC(),
		Files:       make(map[string]FileEntry, len(paths)),
	}

	for i, fileID := range paths {
		entry, err := b.buildEntry(root, fileID, i)
		if err != nil {
			// No partial manifest: one bad file fails the build.
			return nil, err
		}
		m.Files[fileID] = entry
		m.TotalSize += entry.FileSize
		b.log.Debug("hashed artifact", "fileId", fileID, "size", entry.FileSize, "chunks", entry.TotalChunks)
	}
	m.TotalFiles = len(m.Files)

	globalRoot, err := m.GlobalRoot()
	if err != nil {
		return nil, fmt.Errorf("computing global root: %w", err)
	}
	m.Root = globalRoot

	b.log.Info("manifest built", "files", m.TotalFiles, "bytes", m.TotalSize, "root", m.Root)
	return m, nil
}

// buildEntry streams one artifact through the chunk hasher.
func (b *Builder) buildEntry(root, fileID string, index int) (FileEntry, error) {
	path := filepath.Join(root, filepath.FromSlash(fileID))

	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("stat %s: %w", fileID, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("open %s: %w", fileID, err)
	}
	defer f.Close()

	hashes := make([]string, 0, merkle.ChunkCount(info.Size(), b.chunkSize))
	buf := make([]byte, b.chunkSize)
	var size int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			hashes = append(hashes, merkle.Digest(buf[:n]))
			size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return FileEntry{}, fmt.Errorf("read %s: %w", fileID, err)
		}
	}

	fileRoot, err := merkle.Root(hashes)
	if err != nil {
		return FileEntry{}, fmt.Errorf("hashing %s: %w", fileID, err)
	}

	return FileEntry{
		FileID:         fileID,
		Index:          index,
		FileSize:       size,
		TotalChunks:    len(hashes),
		ChunkHashes:    hashes,
		FileMerkleRoot: fileRoot,
		Modified:       info.ModTime().UTC(),
	}, nil
}

// collectFiles gathers the relative slash paths of all regular files under
// root. Walk errors abort collection.
func collectFiles(root string) ([]string, error) {
	var (
		mu      sync.Mutex
		paths   []string
		walkErr error
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			if walkErr == nil {
				walkErr = err
			}
			mu.Unlock()
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == Filename {
			// A previously generated manifest living next to the
			// artifacts is not itself an artifact.
			return nil
		}
		mu.Lock()
		paths = append(paths, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Package merkle implements the chunked hashing and Merkle reduction rules
// used by the artifact integrity protocol. Artifacts are split into fixed-size
// chunks, each chunk is hashed individually, and the resulting digests are
// reduced to a single per-file root. Per-file roots are in turn committed to a
// global root via textual leaf commitments.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
)

// DefaultChunkSize is the chunk size used by the reference protocol (1 MiB).
const DefaultChunkSize = 1 << 20

// Algorithm identifies the digest algorithm. It is declared once globally and
// recorded in the manifest, never per file.
const Algorithm = "sha256"

// EmptyRoot is the sentinel root for an empty leaf set. Callers must
// special-case empty files.
const EmptyRoot = ""

// Chunks returns a restartable iterator over data in chunkSize slices, in file
// order. The final chunk is short when len(data) is not a multiple of
// chunkSize; it is never padded. Chunks panics if chunkSize is not positive.
func Chunks(data []byte, chunkSize int) iter.Seq[[]byte] {
	if chunkSize <= 0 {
		panic("merkle: chunk size must be positive")
	}
	return func(yield func([]byte) bool) {
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if !yield(data[off:end]) {
				return
			}
		}
	}
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// Digest returns the hex-encoded SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkHashes splits data into chunkSize chunks and returns one hex digest per
// chunk. Empty data yields an empty slice.
func ChunkHashes(data []byte, chunkSize int) []string {
	hashes := make([]string, 0, ChunkCount(int64(len(data)), chunkSize))
	for chunk := range Chunks(data, chunkSize) {
		hashes = append(hashes, Digest(chunk))
	}
	return hashes
}

// Root reduces an ordered list of hex-encoded digests to a single root digest.
//
// The reduction pairs adjacent nodes left to right and hashes the
// concatenation of their raw (hex-decoded) bytes. When a level has an odd
// count, the final unpaired node is promoted to the next level unchanged; it
// is neither self-hashed nor duplicated. This exact rule is what keeps
// independently written generators and verifiers interoperable.
//
// Zero leaves produce EmptyRoot. A single leaf is its own root, with no
// hashing pass.
func Root(leaves []string) (string, error) {
	switch len(leaves) {
	case 0:
		return EmptyRoot, nil
	case 1:
		return leaves[0], nil
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		raw, err := hex.DecodeString(leaf)
		if err != nil {
			return "", fmt.Errorf("decoding leaf %d: %w", i, err)
		}
		level[i] = raw
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}

	return hex.EncodeToString(level[0]), nil
}

// FileRoot computes the per-file Merkle root of data directly.
func FileRoot(data []byte, chunkSize int) (string, error) {
	return Root(ChunkHashes(data, chunkSize))
}

// GlobalLeaf computes the textual commitment for one file in the global tree:
// the digest of "fileId:fileRoot:version" hashed as UTF-8 text. This is
// intentionally asymmetric with Root, which operates on raw digest bytes.
func GlobalLeaf(fileID, fileRoot string, version int) string {
	return Digest(fmt.Appendf(nil, "%s:%s:%d", fileID, fileRoot, version))
}

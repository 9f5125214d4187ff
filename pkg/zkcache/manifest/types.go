// Package manifest defines the artifact manifest document and the build-time
// generator that produces it. The manifest is the ground truth every client
// verifies downloaded and stored artifact bytes against.
package manifest

import "time"

// Version is the current manifest format version.
const Version = 1

// FileEntry describes one artifact's chunk layout and integrity roots.
type FileEntry struct {
	FileID string `json:"fileId"`

	// Index is the stable ordinal fixing this entry's leaf position in the
	// global tree. Verifiers must order leaves by Index, never by map
	// iteration order.
	Index int `json:"index"`

	FileSize    int64 `json:"fileSize"`
	TotalChunks int   `json:"totalChunks"`

	// ChunkHashes holds one hex digest per chunk, in file order.
	ChunkHashes []string `json:"chunkHashes"`

	// FileMerkleRoot is the Merkle root over ChunkHashes.
	FileMerkleRoot string `json:"fileMerkleRoot"`

	// Modified is the source modification time. Informational only; it is
	// not part of the trust root.
	Modified time.Time `json:"modified"`
}

// Manifest is the signed-or-unsigned document describing an artifact release.
// It is immutable once generated.
type Manifest struct {
	Version     int       `json:"version"`
	Algorithm   string    `json:"algorithm"`
	ChunkSize   int       `json:"chunkSize"`
	GeneratedAt time.Time `json:"generatedAt"`

	// TotalFiles and TotalSize are informational aggregates.
	TotalFiles int   `json:"totalFiles"`
	TotalSize  int64 `json:"totalSize"`

	Files map[string]FileEntry `json:"files"`

	// Root is the global Merkle root over all file entries.
	Root string `json:"root"`

	// Signature is reserved for a future authenticity signature over Root.
	// It is never populated or checked; absence is valid.
	Signature string `json:"signature,omitempty"`
}

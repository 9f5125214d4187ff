// Package config provides configuration management for the zkcache artifact
// cache.
package config

// Default configuration values for zkcache.
const (
	// DefaultBaseURL is the artifact origin. Empty requires the operator to
	// configure one before fetching.
	DefaultBaseURL = ""

	// DefaultManifestVersion is the manifest format version the builder
	// emits.
	DefaultManifestVersion = 1

	// DefaultChunkSize is the chunk size used when generating manifests.
	DefaultChunkSize = "1MiB"

	// DefaultConcurrency is the loader's parallel download count.
	DefaultConcurrency = 6

	// DefaultMaxAttempts is the per-file download attempt cap.
	DefaultMaxAttempts = 3

	// DefaultRetryBaseDelay is the initial retry backoff delay.
	DefaultRetryBaseDelay = "500ms"

	// DefaultListenAddr is the dev artifact server's listen address.
	DefaultListenAddr = "localhost:8600"
)

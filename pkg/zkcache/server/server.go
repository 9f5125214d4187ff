// Package server implements a development artifact origin: it serves a
// directory of artifacts over the same HTTP surface the loader consumes
// (GET /{fileId}, GET /manifest.json) and keeps the manifest current as the
// directory changes.
package server

import (
	"encoding/json"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

// Server serves artifacts and their manifest from a local directory.
type Server struct {
	dir     string
	builder *manifest.Builder
	log     *logging.Logger

	mu  sync.RWMutex
	man *manifest.Manifest
}

// New creates a Server for dir, building the initial manifest. version and
// chunkSize are passed to the manifest builder; zero values select defaults.
func New(dir string, version, chunkSize int) (*Server, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		dir:     abs,
		builder: manifest.NewBuilder(version, chunkSize),
		log:     logging.Get("server"),
	}
	if err := s.Rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the served artifact directory.
func (s *Server) Dir() string {
	return s.dir
}

// Manifest returns the currently served manifest.
func (s *Server) Manifest() *manifest.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.man
}

// Rebuild regenerates the manifest from the directory contents.
func (s *Server) Rebuild() error {
	man, err := s.builder.Build(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.man = man
	s.mu.Unlock()

	s.log.Info("manifest rebuilt", "files", man.TotalFiles, "root", man.Root)
	return nil
}

// ServeHTTP handles GET /manifest.json and GET /{fileId}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if fileID == manifest.Filename {
		s.serveManifest(w)
		return
	}
	s.serveArtifact(w, r, fileID)
}

func (s *Server) serveManifest(w http.ResponseWriter) {
	s.mu.RLock()
	man := s.man
	s.mu.RUnlock()

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		http.Error(w, "marshaling manifest", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, fileID string) {
	s.mu.RLock()
	man := s.man
	s.mu.RUnlock()

	// Only fileIds present in the manifest are served; this also blocks
	// path traversal since manifest keys are clean relative paths.
	if _, err := man.Entry(fileID); err != nil {
		http.NotFound(w, r)
		return
	}

	// ServeFile sets Content-Length and honors Range requests.
	http.ServeFile(w, r, filepath.Join(s.dir, filepath.FromSlash(fileID)))
}

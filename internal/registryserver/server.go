// SPDX-License-Identifier: MPL-2.0

package registryserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/registry"
)

const shutdownTimeout = 5 * time.Second

type (
	// Server serves packages out of a Storage.
	Server struct {
		storage Storage
		tokens  map[AuthToken]Permission
		logger  *log.Logger
		metrics *metrics
		router  chi.Router
	}

	// Option configures a Server.
	Option func(*Server)

	// PublishResponse is the body of a successful publish.
	PublishResponse struct {
		Name    manifest.PackageName `json:"name"`
		Version manifest.Version     `json:"version"`
		Digest  string               `json:"digest"`
	}

	packageRef struct {
		repo    manifest.Repository
		name    manifest.PackageName
		version manifest.Version
		ext     string
	}
)

// WithToken grants perm to token.
func WithToken(token AuthToken, perm Permission) Option {
	return func(s *Server) { s.tokens[token] = perm }
}

// WithLogger sets the request logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a server over storage. At least one token must be granted.
func New(storage Storage, opts ...Option) (*Server, error) {
	if storage == nil {
		return nil, errors.New("registry server needs a storage backend")
	}
	s := &Server{
		storage: storage,
		tokens:  make(map[AuthToken]Permission),
		logger:  log.New(io.Discard),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.tokens) == 0 {
		return nil, fmt.Errorf("registry server needs at least one token: %w", ErrInvalidAuthToken)
	}
	for tok := range s.tokens {
		if err := tok.Validate(); err != nil {
			return nil, err
		}
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.logger.Info("registry listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("registry shutting down")
		return hs.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.metrics.instrument, s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(PermissionRead))
		r.Get("/{repository}/{name}/versions", s.handleVersions)
		r.Get("/{repository}/{name}/{file}", s.handleGet)
	})
	r.With(s.authenticate(PermissionWrite)).Put("/{repository}/{name}/{file}", s.handlePublish)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// authenticate checks the bearer token against the granted set.
func (s *Server) authenticate(need Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			perm := s.lookup(AuthToken(token))
			switch {
			case !ok || perm == 0:
				w.Header().Set("WWW-Authenticate", `Bearer realm="protopm"`)
				http.Error(w, "missing or unknown token", http.StatusUnauthorized)
			case !perm.allows(need):
				http.Error(w, fmt.Sprintf("token lacks %s permission", need), http.StatusForbidden)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (s *Server) lookup(token AuthToken) Permission {
	var found Permission
	for tok, perm := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			found = perm
		}
	}
	return found
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	repo := manifest.Repository(chi.URLParam(r, "repository"))
	name := manifest.PackageName(chi.URLParam(r, "name"))
	if err := errors.Join(repo.Validate(), name.Validate()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.storage.List(r.Context(), packageDir(repo, name))
	if err != nil {
		s.internalError(w, "list versions", err)
		return
	}
	type parsed struct {
		raw string
		sv  *semver.Version
	}
	var found []parsed
	for _, e := range entries {
		v, ok := strings.CutSuffix(e, archiveExt)
		if !ok {
			continue
		}
		sv, err := manifest.Version(v).Semver()
		if err != nil {
			continue
		}
		found = append(found, parsed{raw: v, sv: sv})
	}
	if len(found) == 0 {
		http.Error(w, fmt.Sprintf("package %s not found in %s", name, repo), http.StatusNotFound)
		return
	}
	slices.SortFunc(found, func(a, b parsed) int { return a.sv.Compare(b.sv) })

	versions := make([]string, len(found))
	for i, p := range found {
		versions[i] = p.raw
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch ref.ext {
	case archiveExt:
		data, err := s.storage.Get(r.Context(), archiveKey(ref.repo, ref.name, ref.version))
		if err != nil {
			s.notFoundOr(w, ref, err)
			return
		}
		w.Header().Set("Content-Type", archive.MediaType)
		_, _ = w.Write(data)
	case manifestExt:
		data, err := s.manifestBytes(r.Context(), ref)
		if err != nil {
			s.notFoundOr(w, ref, err)
			return
		}
		w.Header().Set("Content-Type", "application/toml")
		_, _ = w.Write(data)
	}
}

// manifestBytes returns the stored manifest, recovering it from the archive
// when a publish stopped between the two writes.
func (s *Server) manifestBytes(ctx context.Context, ref packageRef) ([]byte, error) {
	data, err := s.storage.Get(ctx, manifestKey(ref.repo, ref.name, ref.version))
	if !errors.Is(err, ErrObjectNotFound) {
		return data, err
	}
	raw, err := s.storage.Get(ctx, archiveKey(ref.repo, ref.name, ref.version))
	if err != nil {
		return nil, err
	}
	a, err := archive.Unpack(raw)
	if err != nil {
		return nil, err
	}
	if err := s.storage.Create(ctx, manifestKey(ref.repo, ref.name, ref.version), a.ManifestBytes); err != nil && !errors.Is(err, ErrObjectExists) {
		s.logger.Warn("failed to restore manifest", "package", ref.name, "version", ref.version, "err", err)
	}
	return a.ManifestBytes, nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ref, err := parseRef(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ref.ext != archiveExt {
		http.Error(w, "only package archives can be published", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, archive.MaxArchiveSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "archive too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	a, err := archive.UnpackExpect(data, ref.name, ref.version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if want := r.Header.Get(registry.DigestHeader); want != "" && want != a.Digest.String() {
		http.Error(w, fmt.Sprintf("digest mismatch: header %s, archive %s", want, a.Digest), http.StatusBadRequest)
		return
	}

	err = s.storage.Create(r.Context(), archiveKey(ref.repo, ref.name, ref.version), data)
	switch {
	case errors.Is(err, ErrObjectExists):
		http.Error(w, fmt.Sprintf("%s@%s already exists in %s", ref.name, ref.version, ref.repo), http.StatusConflict)
		return
	case err != nil:
		s.internalError(w, "store archive", err)
		return
	}
	if err := s.storage.Create(r.Context(), manifestKey(ref.repo, ref.name, ref.version), a.ManifestBytes); err != nil && !errors.Is(err, ErrObjectExists) {
		s.logger.Warn("failed to store manifest", "package", ref.name, "version", ref.version, "err", err)
	}

	s.metrics.publishedTotal.Inc()
	s.logger.Info("published", "repository", ref.repo, "package", ref.name, "version", ref.version, "digest", a.Digest)
	writeJSON(w, http.StatusCreated, PublishResponse{Name: ref.name, Version: ref.version, Digest: a.Digest.String()})
}

func (s *Server) notFoundOr(w http.ResponseWriter, ref packageRef, err error) {
	if errors.Is(err, ErrObjectNotFound) {
		http.Error(w, fmt.Sprintf("%s@%s not found in %s", ref.name, ref.version, ref.repo), http.StatusNotFound)
		return
	}
	s.internalError(w, "read package", err)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// parseRef reads a package reference from a /{repository}/{name}/{file}
// route, where file is <name>-<version>.tgz or <name>-<version>.toml.
func parseRef(r *http.Request) (packageRef, error) {
	ref := packageRef{
		repo: manifest.Repository(chi.URLParam(r, "repository")),
		name: manifest.PackageName(chi.URLParam(r, "name")),
	}
	if err := errors.Join(ref.repo.Validate(), ref.name.Validate()); err != nil {
		return ref, err
	}

	file := chi.URLParam(r, "file")
	rest, ok := strings.CutPrefix(file, string(ref.name)+"-")
	if !ok {
		return ref, fmt.Errorf("file %q does not belong to package %s", file, ref.name)
	}
	for _, ext := range []string{archiveExt, manifestExt} {
		if v, ok := strings.CutSuffix(rest, ext); ok {
			ref.version, ref.ext = manifest.Version(v), ext
			break
		}
	}
	if ref.ext == "" {
		return ref, fmt.Errorf("unknown file type %q", file)
	}
	return ref, ref.version.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

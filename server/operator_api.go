package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
)

// OperatorAPIConfig carries the operator HTTP API's own settings,
// independent of the SFTP gateway's Config.
type OperatorAPIConfig struct {
	Listen   string
	AuthUser string
	Auth     string
}

// OperatorAPI is the read-only HTTP surface that lets an operator inspect a
// user's namespace without an SFTP client: a JSON tree view, calling
// directly into the same path-mapper, access-policy, and namespace-view
// logic SFTP uses, so the two surfaces can never disagree about what a
// user's tree looks like.
type OperatorAPI struct {
	cfg OperatorAPIConfig
	gw  *SFTPGateway
}

// NewOperatorAPI builds the operator API bound to an already-constructed
// gateway, so both the SFTP and HTTP surfaces share one Config and one
// namespace view instead of duplicating either.
func NewOperatorAPI(cfg OperatorAPIConfig, gw *SFTPGateway) *OperatorAPI {
	return &OperatorAPI{cfg: cfg, gw: gw}
}

// Run serves the operator API until ctx is cancelled, using the standard
// routegroup/rest middleware stack.
func (a *OperatorAPI) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	router := routegroup.New(mux)

	router.Use(rest.Trace, rest.RealIP, rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(200))
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(20, nil)))
	router.Use(rest.SizeLimit(64 * 1024))
	router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	router.Use(rest.AppInfo("s3sftp-operator-api", "umputun", "1"), rest.Ping)
	router.Use(a.basicAuthMiddleware)

	router.HandleFunc("GET /api/v1/users/{user}/tree", a.handleTree)

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("operator API listen failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// basicAuthMiddleware requires HTTP basic auth matching cfg.AuthUser/Auth.
// If Auth is unset, the API is left open.
func (a *OperatorAPI) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		authUser := a.cfg.AuthUser
		if authUser == "" {
			authUser = "operator"
		}
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(authUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.Auth)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="s3sftp operator API"`)
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// treeResponse is the JSON shape returned by GET .../tree.
type treeResponse struct {
	User    string     `json:"user"`
	Path    string     `json:"path"`
	Entries []treeEntry `json:"entries"`
}

type treeEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// handleTree implements GET /api/v1/users/{user}/tree?path=..., calling the
// identical path-mapping, policy, and namespace-view code used by SFTP's
// LIST so the two surfaces present the same view.
func (a *OperatorAPI) handleTree(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("user")
	vpath := r.URL.Query().Get("path")
	if vpath == "" {
		vpath = "/"
	}

	if !a.gw.policy.Admitted(username, vpath) {
		writeJSONError(w, http.StatusForbidden, "path not admitted for user")
		return
	}

	sess := &session{username: username, homePrefix: a.gw.pathMapper.homePrefix(username)}
	norm := normalizeVirtualPath(vpath)

	var entries []Entry
	if norm == "/" {
		entries = virtualRootEntries(username)
	} else {
		key, err := a.gw.pathMapper.Map(sess.homePrefix, vpath)
		if err != nil {
			writeJSONError(w, http.StatusForbidden, "path traversal not permitted")
			return
		}
		entries, err = a.gw.listWithStalenessFallback(key)
		if err != nil {
			log.Printf("[WARN] operator API: list %q for %s failed: %v", vpath, username, err)
			writeJSONError(w, http.StatusInternalServerError, "listing failed")
			return
		}
	}

	resp := treeResponse{User: username, Path: norm, Entries: make([]treeEntry, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = treeEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size, ModTime: e.ModTime}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] operator API: encode response failed: %v", err)
	}
}

// writeJSONError writes a {"error": "..."} body with the given status.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[WARN] failed to write JSON error response: %v", err)
	}
}

// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/cardkeeper/frontend"
)

// Options represent server options.
type Options struct {
	Addr        string
	Cert        *tls.Certificate
	DataDir     string
	UseMockAuth bool
	RequireAuth bool // Reject anonymous API requests instead of using the local wallet
	Debug       bool
	Storage     *storage.Storage
	MasterKey   crypto.MasterKey
	Listener    net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftHTTPAdvertise     string // Base URL followers use to reach this node
	RaftSecret            string
	RaftJoin              string // Base URL of a cluster member to join
	RaftBootstrap         bool
	RaftRootCAs           *x509.CertPool // Trusted when joining or forwarding over HTTPS
	UseProductionTimeouts bool           // Set to true to use longer timeouts (e.g. for production)

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string
}

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	raftMgr    *RaftManager
	hubs       *HubManager
	service    *Service
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Service returns the wallet service behind the API.
func (s *Server) Service() *Service {
	return s.service
}

// RaftManager returns the Raft manager, or nil in standalone mode.
func (s *Server) RaftManager() *RaftManager {
	return s.raftMgr
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	s.hubs.Close()
	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("raft: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	s, err := NewServer(opts)
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.Cert != nil {
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	ln := opts.Listener
	if ln == nil {
		if ln, err = net.Listen("tcp", opts.Addr); err != nil {
			s.Shutdown(context.Background())
			return nil, err
		}
	}

	go func() {
		var err error
		if s.httpServer.TLSConfig != nil {
			log.Printf("Starting HTTPS server on %s...", ln.Addr())
			err = s.httpServer.ServeTLS(ln, "", "")
		} else {
			log.Printf("Starting HTTP server on %s...", ln.Addr())
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	if s.raftMgr != nil && opts.RaftJoin != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.raftMgr.JoinCluster(ctx, opts.RaftJoin); err != nil {
			s.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to join cluster at %s: %w", opts.RaftJoin, err)
		}
		log.Printf("Joined cluster via %s", opts.RaftJoin)
	}
	return s, nil
}

// NewServer wires the stores, the optional Raft node and the HTTP handler.
func NewServer(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}

	store := NewWalletStore(opts.DataDir, opts.Storage)
	hm := NewHubManager()

	var raftMgr *RaftManager
	if opts.RaftEnabled {
		raftDataDir := filepath.Join(opts.DataDir, "raft")
		if err := os.MkdirAll(raftDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create Raft data directory: %w", err)
		}
		fsm := NewFSM(store, hm, storage.New(raftDataDir, opts.MasterKey))
		raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.RaftHTTPAdvertise, opts.RaftSecret, fsm)
		raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		raftMgr.MasterKey = opts.MasterKey
		if opts.RaftRootCAs != nil {
			raftMgr.SetRootCAs(opts.RaftRootCAs)
		}
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			raftMgr.Shutdown()
			return nil, fmt.Errorf("failed to start Raft: %w", err)
		}
	}

	svc := NewService(store, hm, raftMgr)
	handler := newHandler(opts, svc, hm, raftMgr)
	return &Server{
		handler: handler,
		raftMgr: raftMgr,
		hubs:    hm,
		service: svc,
	}, nil
}

func newHandler(opts Options, svc *Service, hm *HubManager, raftMgr *RaftManager) http.Handler {
	debugf := func(string, ...any) {}
	if opts.Debug {
		debugf = func(f string, a ...any) {
			log.Printf("[DEBUG BACKEND] "+f, a...)
		}
	}

	api := &cardsAPI{
		svc:         svc,
		requireAuth: opts.RequireAuth,
		debugf:      debugf,
		now:         time.Now,
	}
	metrics := NewMetrics()
	metrics.wsCount = hm.ConnectionCount

	// write sends mutations to the leader when this node is a follower.
	write := func(h http.HandlerFunc) http.HandlerFunc {
		if raftMgr == nil {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request) {
			if raftMgr.IsLeader() {
				h(w, r)
				return
			}
			if raftMgr.forwardedByMe(r) {
				writeError(w, http.StatusLoopDetected, "Forwarding loop detected")
				return
			}
			debugf("Forwarding %s %s to leader", r.Method, r.URL.Path)
			raftMgr.forwardRequestToLeader(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/cards", api.listCards)
	mux.HandleFunc("POST /api/cards", write(api.createCard))
	mux.HandleFunc("GET /api/cards/{id}", api.getCard)
	mux.HandleFunc("PATCH /api/cards/{id}", write(api.updateCard))
	mux.HandleFunc("DELETE /api/cards/{id}", write(api.deleteCard))
	mux.HandleFunc("POST /api/cards/{id}/archive", write(api.setArchived(true)))
	mux.HandleFunc("POST /api/cards/{id}/unarchive", write(api.setArchived(false)))
	mux.HandleFunc("POST /api/cards/{id}/transactions", write(api.addTransaction))
	mux.HandleFunc("PATCH /api/cards/{id}/transactions/{txId}", write(api.updateTransaction))
	mux.HandleFunc("DELETE /api/cards/{id}/transactions/{txId}", write(api.deleteTransaction))

	mux.HandleFunc("GET /api/data/download", api.download)
	mux.HandleFunc("POST /api/data/upload", write(api.upload))

	mux.HandleFunc("GET /api/me", api.me)
	mux.HandleFunc("/api/metrics", metrics.handleMetrics)

	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := api.owner(w, r)
		if !ok {
			return
		}
		ServeWS(hm, svc.Store, owner, w, r, debugf)
	})

	// Cluster Join Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	// Cluster Status Handler (Protected)
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	// Serve embedded frontend
	contentStatic, err := fs.Sub(frontend.FS, "static")
	if err != nil {
		log.Fatal(err)
	}
	mux.Handle("/", contentTypeMiddleware(http.FileServerFS(contentStatic)))

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(opts, handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = metricsMiddleware(metrics, handler)
	if opts.Debug {
		handler = loggingMiddleware(handler)
	}
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)
	return handler
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=300, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware trusts the mock_auth_user cookie as the signed-in
// user. Only for tests and local development.
func mockAuthMiddleware(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(MockAuthCookie)
		if err == nil && cookie.Value != "" {
			if email := normalizeEmail(cookie.Value); isValidEmail(email) {
				ctx := context.WithValue(r.Context(), userIDKey, email)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// MockAuthCookie names the cookie read by the mock auth middleware.
const MockAuthCookie = "mock_auth_user"

// contentTypeMiddleware ensures that files are served with the correct MIME type.
func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Ext(r.URL.Path) {
		case ".js", ".mjs":
			w.Header().Set("Content-Type", "application/javascript")
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		case ".svg":
			w.Header().Set("Content-Type", "image/svg+xml")
		case ".json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		case ".webmanifest":
			w.Header().Set("Content-Type", "application/manifest+json")
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

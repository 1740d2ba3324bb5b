package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"icalsynchub/internal/config"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/publish"
	"icalsynchub/internal/scheduler"
	"icalsynchub/internal/tokens"
)

// Status exposes the in-process scheduler. *scheduler.Scheduler
// implements it.
type Status interface {
	State() scheduler.State
	LastReport() (scheduler.CycleReport, bool)
	OutputFile() string
}

// Options wires a Server. Service is required.
type Options struct {
	Config  *config.Config
	Service *publish.Service
	// Status is nil when the scheduler runs in another process.
	Status Status
	// Output returns the merged calendar path served under /cal/.
	Output func() string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Location interprets expirations given without a zone.
	Location *time.Location
	Logger   *appLog.Logger
}

// Server is the management API over the token service.
type Server struct {
	cfg     *config.Config
	service *publish.Service
	status  Status
	output  func() string
	gather  prometheus.Gatherer
	loc     *time.Location
	log     *appLog.Logger
	router  *mux.Router
}

// NewServer constructs a Server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("web: service is required")
	}
	s := &Server{
		cfg:     opts.Config,
		service: opts.Service,
		status:  opts.Status,
		output:  opts.Output,
		gather:  opts.Gatherer,
		loc:     opts.Location,
		log:     opts.Logger,
		router:  mux.NewRouter(),
	}
	if s.cfg == nil {
		s.cfg = config.DefaultConfig()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.log == nil {
		s.log = appLog.Nop()
	}
	if s.output == nil && s.status != nil {
		s.output = s.status.OutputFile
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router, behind basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.cfg.BasicAuthEnabled() {
		s.log.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("stopping HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "HEAD")

	r.HandleFunc("/api/tokens", s.handleListTokens).Methods("GET")
	r.HandleFunc("/api/tokens", s.handleAddToken).Methods("POST")
	r.HandleFunc("/api/tokens/{username}", s.handleRemoveToken).Methods("DELETE")
	r.HandleFunc("/api/tokens/{username}/expiration", s.handleSetExpiration).Methods("PUT")
	r.HandleFunc("/api/reap", s.handleReap).Methods("POST")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")

	r.HandleFunc("/cal/{token:[A-Za-z0-9]+}.ics", s.handleCalendar).Methods("GET", "HEAD")

	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// basicAuthMiddleware guards everything except /health and the token
// calendar links, which carry their own secret.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/cal/") {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="iCalSyncHub", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleListTokens(w http.ResponseWriter, _ *http.Request) {
	views, err := s.service.List()
	if err != nil {
		s.log.Error("api: list tokens failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read token store")
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type addTokenRequest struct {
	Username   string  `json:"username"`
	Expiration *string `json:"expiration"`
}

type expirationRequest struct {
	Expiration *string `json:"expiration"`
}

// tokenResponse is a mutated token plus any link problem that followed.
type tokenResponse struct {
	Username   string     `json:"username"`
	Token      string     `json:"token"`
	Expiration *time.Time `json:"expiration"`
	ShareURL   string     `json:"share_url,omitempty"`
	LinkError  string     `json:"link_error,omitempty"`
}

func (s *Server) outcomeResponse(out publish.Outcome) tokenResponse {
	resp := tokenResponse{
		Username:   out.Token.Username,
		Token:      out.Token.Token,
		Expiration: out.Token.Expiration,
		ShareURL:   s.cfg.ShareURL(out.Token.Token),
	}
	if out.LinkErr != nil {
		resp.LinkError = out.LinkErr.Error()
	}
	return resp
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	exp, err := s.parseExpiration(req.Expiration)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.service.Add(req.Username, exp)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.outcomeResponse(out))
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	out, ok, err := s.service.Remove(username)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, tokens.ErrNotFound.Error())
		return
	}
	if out.LinkErr != nil {
		writeJSON(w, http.StatusOK, s.outcomeResponse(out))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetExpiration(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	var req expirationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	exp, err := s.parseExpiration(req.Expiration)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, ok, err := s.service.SetExpiry(username, exp)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, tokens.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.outcomeResponse(out))
}

func (s *Server) handleReap(w http.ResponseWriter, _ *http.Request) {
	report, err := s.service.Reap()
	if err != nil {
		s.log.Error("api: reap failed", err)
		writeError(w, http.StatusInternalServerError, "reap failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// statusResponse describes the scheduler, when it runs in this process.
type statusResponse struct {
	InProcess bool                   `json:"in_process"`
	State     scheduler.State        `json:"state,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Last      *scheduler.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, statusResponse{Output: s.outputFile()})
		return
	}
	resp := statusResponse{
		InProcess: true,
		State:     s.status.State(),
		Output:    s.outputFile(),
	}
	if last, ok := s.status.LastReport(); ok {
		resp.Last = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar serves the merged calendar to holders of a live token.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	_, ok, err := s.service.Lookup(token)
	if err != nil {
		s.log.Error("api: token lookup failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read token store")
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	path := s.outputFile()
	if path == "" {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("api: open merged calendar failed", err)
		writeError(w, http.StatusInternalServerError, "calendar unavailable")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "calendar unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, token+".ics", info.ModTime(), f)
}

func (s *Server) outputFile() string {
	if s.output != nil {
		return s.output()
	}
	return s.cfg.OutputFile()
}

// parseExpiration reads an optional expiration; nil and "" mean never.
func (s *Server) parseExpiration(v *string) (*time.Time, error) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil, nil
	}
	t, err := tokens.ParseExpiry(*v, s.loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tokens.ErrEmptyUsername), errors.Is(err, tokens.ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tokens.ErrUsernameExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tokens.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("api: token store failed", err)
		writeError(w, http.StatusInternalServerError, "token store failure")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

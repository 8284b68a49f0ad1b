// Package httpapi exposes the key directory over HTTP and provides the
// matching typed client. Authentication is a bearer token issued by the
// auth provider at login; every key operation runs as the verified caller.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"cipherlink/go-backend/internal/auth"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/metrics"
	"cipherlink/go-backend/internal/platform/ratelimiter"
	"cipherlink/go-backend/pkg/models"
)

type ctxKey int

const callerKey ctxKey = iota

// CallerID returns the authenticated user id stored by the auth middleware.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey).(string)
	return id
}

type ServerConfig struct {
	ListenAddr string
	Log        *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// Requests per second allowed per authenticated caller; zero disables.
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	isReady atomic.Bool

	authProvider auth.Provider
	dir          *directory.Service
	metrics      *metrics.Directory
	limiter      *ratelimiter.PrincipalLimiter

	srv *http.Server
}

func NewServer(cfg ServerConfig, authProvider auth.Provider, dir *directory.Service, m *metrics.Directory) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.GracefulShutdownDuration == 0 {
		cfg.GracefulShutdownDuration = 10 * time.Second
	}
	s := &Server{
		cfg:          cfg,
		log:          cfg.Log,
		authProvider: authProvider,
		dir:          dir,
		metrics:      m,
		limiter:      ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
	}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the full route tree. Exposed so tests can drive the server
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimiddleware.Recoverer)
	mux.Use(s.requestLogger)

	mux.Post("/auth/register", s.handleRegister)
	mux.Post("/auth/login", s.handleLogin)
	mux.Post("/auth/credential", s.handleChangeCredential)

	mux.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Put("/identity/public-key", s.handlePutPublicKey)
		r.Get("/identity/{user_id}/public-key", s.handleGetPublicKey)
		r.Put("/identity/keys", s.handlePutAccountKeys)
		r.Get("/identity/{user_id}/keys", s.handleGetAccountKeys)
		r.Patch("/identity/wrapped-master-key", s.handlePatchWrappedMasterKey)
		r.Put("/conversations/{conversation_id}/keys/{recipient_id}", s.handleShareKey)
		r.Get("/conversations/{conversation_id}/keys/mine", s.handleGetOwnKey)
		r.Get("/conversations/{conversation_id}/keys", s.handleListKeys)
		r.Get("/conversations/{conversation_id}/participants", s.handleListParticipants)
	})

	mux.Get("/livez", s.handleLivez)
	mux.Get("/readyz", s.handleReadyz)
	mux.Get("/drain", s.handleDrain)
	mux.Get("/undrain", s.handleUndrain)
	if s.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		callerID, err := s.authProvider.Verify(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		if s.limiter != nil && !s.limiter.Allow(callerID, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, callerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.authProvider.Register(r.Context(), req.AccountID, req.AuthCredential); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.authProvider.Login(r.Context(), req.AccountID, req.AuthCredential)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (s *Server) handleChangeCredential(w http.ResponseWriter, r *http.Request) {
	var req changeCredentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.authProvider.ChangeCredential(r.Context(), req.AccountID, req.OldCredential, req.NewCredential); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handlePutPublicKey(w http.ResponseWriter, r *http.Request) {
	var req publicKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.dir.PublishPublicKey(r.Context(), CallerID(r.Context()), req.UserID, req.PublicKey); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	pub, err := s.dir.GetPublicKey(r.Context(), CallerID(r.Context()), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: pub})
}

func (s *Server) handlePutAccountKeys(w http.ResponseWriter, r *http.Request) {
	var req accountKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rotated, err := s.dir.PublishAccountKeys(r.Context(), CallerID(r.Context()), models.AccountKeys{
		UserID:            req.UserID,
		PublicKey:         req.PublicKey,
		WrappedMasterKey:  req.WrappedMasterKey,
		WrappedPrivateKey: req.WrappedPrivateKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountKeysUploadResponse{OK: true, KeyRotation: rotated})
}

func (s *Server) handleGetAccountKeys(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	keys, err := s.dir.GetAccountKeys(r.Context(), CallerID(r.Context()), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountKeysResponse{
		PublicKey:         keys.PublicKey,
		WrappedMasterKey:  keys.WrappedMasterKey,
		WrappedPrivateKey: keys.WrappedPrivateKey,
	})
}

func (s *Server) handlePatchWrappedMasterKey(w http.ResponseWriter, r *http.Request) {
	var req wrappedMasterKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.dir.UpdateWrappedMasterKey(r.Context(), CallerID(r.Context()), req.UserID, req.WrappedMasterKey); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleShareKey(w http.ResponseWriter, r *http.Request) {
	var req shareKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec := models.ConversationKeyRecord{
		ConversationID: chi.URLParam(r, "conversation_id"),
		RecipientID:    chi.URLParam(r, "recipient_id"),
		SenderID:       req.SenderID,
		WrappedKey:     req.WrappedConversationKey,
	}
	if err := s.dir.ShareConversationKey(r.Context(), CallerID(r.Context()), rec); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleGetOwnKey(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	rec, err := s.dir.GetOwnConversationKey(r.Context(), CallerID(r.Context()), conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationKeyResponse{
		RecipientID:            rec.RecipientID,
		SenderID:               rec.SenderID,
		WrappedConversationKey: rec.WrappedKey,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	recs, err := s.dir.ListConversationKeys(r.Context(), CallerID(r.Context()), conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]conversationKeyResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, conversationKeyResponse{
			RecipientID:            rec.RecipientID,
			SenderID:               rec.SenderID,
			WrappedConversationKey: rec.WrappedKey,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	participants, err := s.dir.ListParticipants(r.Context(), CallerID(r.Context()), conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participantsResponse{Participants: participants})
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	s.log.Info("server marked not ready")
	go func() {
		time.Sleep(s.cfg.DrainDuration)
		s.log.Info("drain period completed")
	}()
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if s.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	s.log.Info("server marked ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunInBackground starts serving without blocking.
func (s *Server) RunInBackground() {
	go func() {
		s.log.Info("starting http server", "listen_addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		return
	}
	s.log.Info("http server stopped")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrKeyNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, directory.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not authorized"})
	case errors.Is(err, directory.ErrShareConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conversation key already claimed"})
	case errors.Is(err, auth.ErrAccountExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "account exists"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"stemfm/logger"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// corsMiddleware 添加 CORS 头
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware requires a valid bearer token when pairing is enabled.
// Websocket clients, which cannot set headers from a browser, may pass the
// token as the token query parameter.
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.issuer == nil {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}
		if _, err := h.issuer.ParseToken(token); err != nil {
			logger.Warn("rejected control token", logger.String("path", r.URL.Path), logger.ErrorField(err))
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// NewRouter wires every route of the control API. CORS wraps the router so
// preflight requests are answered before method matching.
func NewRouter(h *APIHandler) http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/pair", h.PairHandler).Methods(http.MethodPost)

	api.HandleFunc("/state", h.AuthMiddleware(h.GetStateHandler)).Methods(http.MethodGet)
	api.HandleFunc("/tracks", h.AuthMiddleware(h.GetTracksHandler)).Methods(http.MethodGet)
	api.HandleFunc("/visualizer", h.AuthMiddleware(h.VisualizerHandler)).Methods(http.MethodGet)
	api.HandleFunc("/environment", h.AuthMiddleware(h.EnvironmentHandler)).Methods(http.MethodGet, http.MethodPost)

	t := api.PathPrefix("/transport").Subrouter()
	t.HandleFunc("/play", h.AuthMiddleware(h.PlayHandler)).Methods(http.MethodPost)
	t.HandleFunc("/pause", h.AuthMiddleware(h.PauseHandler)).Methods(http.MethodPost)
	t.HandleFunc("/toggle", h.AuthMiddleware(h.ToggleHandler)).Methods(http.MethodPost)
	t.HandleFunc("/next", h.AuthMiddleware(h.NextHandler)).Methods(http.MethodPost)
	t.HandleFunc("/prev", h.AuthMiddleware(h.PrevHandler)).Methods(http.MethodPost)
	t.HandleFunc("/seek", h.AuthMiddleware(h.SeekHandler)).Methods(http.MethodPost)
	t.HandleFunc("/volume", h.AuthMiddleware(h.VolumeHandler)).Methods(http.MethodPost)
	t.HandleFunc("/mute", h.AuthMiddleware(h.MuteHandler)).Methods(http.MethodPost)
	t.HandleFunc("/stems/{stem}", h.AuthMiddleware(h.StemHandler)).Methods(http.MethodPost)
	t.HandleFunc("/crossfade", h.AuthMiddleware(h.CrossfadeHandler)).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)

	router.HandleFunc("/ws/session", h.AuthMiddleware(h.SessionSocketHandler)).Methods(http.MethodGet)
	return corsMiddleware(router)
}

// Serve runs the HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	// 设置服务器超时
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// 优雅关闭服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

// Server runs the controller's HTTP listener.
type Server struct {
	api        *API
	config     *config.Config
	httpServer *http.Server
}

// NewServer wires the API onto an HTTP listener configured from cfg.
func NewServer(api *API, cfg *config.Config) *Server {
	return &Server{api: api, config: cfg}
}

// Start builds the middleware chain and begins serving. It returns once
// the listener goroutine is running; Stop shuts it down.
func (srv *Server) Start(ctx context.Context) error {
	requestLogger := httplog.NewLogger("http", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             srv.config.Global.LogFormat == "json",
		Concise:          true,
		RequestHeaders:   true,
		MessageFieldName: "msg",
		ResponseHeaders:  true,
	})

	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Compress(5))
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(withRecoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	srv.api.Routes(r)

	addr := net.JoinHostPort(srv.config.Server.Host, strconv.Itoa(srv.config.Server.Port))
	srv.httpServer = &http.Server{
		Handler:           r,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "HTTP server started", tag.Addr(addr))
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "HTTP server failed", tag.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (srv *Server) Stop(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	logger.Info(ctx, "HTTP server shutting down", tag.Addr(srv.httpServer.Addr))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	srv.httpServer.SetKeepAlivesEnabled(false)
	return srv.httpServer.Shutdown(ctx)
}

// This function is adapted from the `recoverer` middleware from the `chi` package.
func withRecoverer(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				st := string(debug.Stack())
				logger.Error(r.Context(), "Panic occurred",
					tag.RequestID(middleware.GetReqID(r.Context())), tag.Error(rvr), tag.String("st", st))

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	}

	return http.HandlerFunc(fn)
}

// Package server exposes the realtime case sessions, case history and the
// inbound email webhook over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/zulandar/casewire/internal/caseactor"
	"github.com/zulandar/casewire/internal/history"
	"github.com/zulandar/casewire/internal/ingress/email"
	"github.com/zulandar/casewire/internal/models"
)

const shutdownTimeout = 10 * time.Second

// Cases is the live side of the case registry.
type Cases interface {
	Attach(ctx context.Context, key, role string) (*caseactor.Session, error)
	Statuses(ctx context.Context) []caseactor.Status
}

// HistoryStore is the persisted side.
type HistoryStore interface {
	Load(ctx context.Context, key string) ([]models.CaseMessage, error)
	ListCases(ctx context.Context, limit int) ([]history.CaseSummary, error)
}

// Inbound accepts raw email deliveries.
type Inbound interface {
	Receive(ctx context.Context, env email.Envelope) error
	MaxBytes() int
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Cases          Cases
	Store          HistoryStore
	Inbound        Inbound // optional; the webhook is not mounted without it
	Port           int
	AllowedOrigins []string
	Out            io.Writer
}

// Handler builds the HTTP handler without listening.
func Handler(opts StartOpts) (http.Handler, error) {
	if opts.Cases == nil {
		return nil, fmt.Errorf("server: cases is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts, origins)

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	})(router), nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := Handler(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "HTTP listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

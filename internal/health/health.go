// Package health serves the ops endpoints: stream, call and directory state
// on /healthz and live directory lookups on /lookup.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/nfon-callmonitor/internal/contacts"
	"github.com/sweeney/nfon-callmonitor/internal/logger"
)

// Lookup resolves raw numbers against the current directory snapshot.
type Lookup interface {
	ResolveMany(numbers []string) map[string]contacts.Match
}

// Sources supplies the values reported by /healthz. Nil fields report zero
// values; without a Lookup the /lookup route is not registered.
type Sources struct {
	StreamConnected func() bool
	ActiveCalls     func() int
	Directory       func() *contacts.Snapshot
	Lookup          Lookup
}

// Report is the /healthz response body.
type Report struct {
	Status            string     `json:"status"`
	StreamConnected   bool       `json:"streamConnected"`
	ActiveCalls       int        `json:"activeCalls"`
	DirectoryEntries  int        `json:"directoryEntries"`
	DirectoryLoadedAt *time.Time `json:"directoryLoadedAt,omitempty"`
}

// Collect builds a report from src.
func Collect(src Sources) Report {
	r := Report{Status: "degraded"}
	if src.StreamConnected != nil && src.StreamConnected() {
		r.StreamConnected = true
		r.Status = "ok"
	}
	if src.ActiveCalls != nil {
		r.ActiveCalls = src.ActiveCalls()
	}
	if src.Directory != nil {
		snap := src.Directory()
		r.DirectoryEntries = snap.Len()
		if at := snap.LoadedAt(); !at.IsZero() {
			r.DirectoryLoadedAt = &at
		}
	}
	return r
}

// Router returns a gin engine serving GET /healthz and GET /lookup. The
// /healthz status code is 200 while the call stream is connected and 503
// otherwise. /lookup takes one or more number query parameters.
func Router(src Sources, l *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(l))
	r.GET("/healthz", func(c *gin.Context) {
		rep := Collect(src)
		code := http.StatusOK
		if !rep.StreamConnected {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, rep)
	})
	if src.Lookup != nil {
		r.GET("/lookup", func(c *gin.Context) {
			numbers := c.QueryArray("number")
			if len(numbers) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "number is required"})
				return
			}
			c.JSON(http.StatusOK, src.Lookup.ResolveMany(numbers))
		})
	}
	return r
}

// Serve runs the router on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, l *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("health server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

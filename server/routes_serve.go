// routes_serve.go - Server-Start und Lifecycle-Management
// Enthaelt: Serve() - startet den HTTP-Server bis zum Abbruch von ctx
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mini-helper/lorakit/api"
	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/version"
)

// Serve beantwortet Anfragen auf ln, bis ctx abgebrochen wird
func Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("server config", "env", envconfig.Values())

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	s := NewServer(ln.Addr(), client)
	h, err := s.GenerateRoutes()
	if err != nil {
		return err
	}

	srvr := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

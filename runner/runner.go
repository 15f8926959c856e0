// runner.go - Eingebautes Trainer-Backend
//
// Enthaelt:
// - Execute: Startet den Runner-Server (lorakit runner --port N)
// - Server: HTTP-Seite des Backend-Protokolls ueber einem Trainer
//
// Das eingebaute Backend ist ein Dry-Run: es prueft die Batches und
// schreibt einen gueltigen, noch untrainierten Adapter. Echte Optimierung
// liefert ein externes Backend (LORAKIT_TRAINER).
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/llm"
	"github.com/mini-helper/lorakit/logutil"
)

// defaultPort ist der Standard-Port fuer den Runner
const defaultPort = 8090

// Trainer fuehrt die Operationen des Backend-Protokolls aus
type Trainer interface {
	Load(ctx context.Context, req llm.LoadRequest) (*llm.LoadResponse, error)
	ForwardBackward(ctx context.Context, req llm.ForwardBackwardRequest) (*llm.ForwardBackwardResponse, error)
	OptimizerStep(ctx context.Context, req llm.OptimizerStepRequest) (*llm.OptimizerStepResponse, error)
	Save(ctx context.Context, req llm.SaveRequest) error
}

// Server serialisiert Anfragen an einen Trainer
type Server struct {
	mu      sync.Mutex
	trainer Trainer
	status  atomic.Value // llm.ServerStatus
	loaded  atomic.Bool
}

// NewServer erstellt einen Server fuer t
func NewServer(t Trainer) *Server {
	s := &Server{trainer: t}
	s.status.Store(llm.ServerStatusReady)
	return s
}

// Handler gibt den HTTP-Handler mit allen Routen zurueck
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /load", s.load)
	mux.HandleFunc("POST /forward_backward", s.forwardBackward)
	mux.HandleFunc("POST /optimizer_step", s.optimizerStep)
	mux.HandleFunc("POST /save", s.save)
	return mux
}

// Execute startet den eingebauten Runner
func Execute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	port := fs.Int("port", defaultPort, "Port to expose the server on")
	seed := fs.Int64("seed", 42, "Seed for adapter initialization")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Runner usage\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Warn("starting built-in dry-run trainer backend, adapter weights will not be trained")

	addr := "127.0.0.1:" + strconv.Itoa(*port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	httpServer := http.Server{
		Handler: NewServer(NewDryRun(*seed)).Handler(),
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("runner listening", "addr", addr)
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

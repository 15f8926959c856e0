// Package llm - Backend erzeugen
//
// - NewTrainerServer: Verbindet mit LORAKIT_TRAINER_URL oder startet einen Prozess
// - monitorProcess: Wartet auf das Prozessende
package llm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// ServerOptions steuert, wie das Backend bereitgestellt wird
type ServerOptions struct {
	// URL eines laufenden Backends; hat Vorrang vor Command
	URL string
	// Command startet das Backend; leer = eingebauter Runner
	Command []string
	// Env wird dem Prozess zusaetzlich gesetzt
	Env map[string]string
	// Out erhaelt stdout/stderr des Prozesses (Default os.Stderr)
	Out io.Writer
}

// NewTrainerServer verbindet mit einem laufenden Backend oder startet eines.
// Der Aufrufer muss WaitUntilRunning aufrufen, bevor er Anfragen stellt.
func NewTrainerServer(opts ServerOptions) (TrainerServer, error) {
	s := &llmServer{
		client:    &http.Client{},
		loadStart: time.Now(),
	}

	if opts.URL != "" {
		s.base = strings.TrimRight(opts.URL, "/")
		slog.Info("attaching to trainer backend", "url", s.base)
		return s, nil
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	s.status = NewStatusWriter(out)

	cmd, port, err := StartRunner(opts.Command, s.status, opts.Env)
	if err != nil {
		msg := s.status.LastErrMsg()
		return nil, fmt.Errorf("error starting trainer backend: %v %s", err, msg)
	}

	s.cmd = cmd
	s.port = port
	s.base = fmt.Sprintf("http://127.0.0.1:%d", port)
	s.done = make(chan error, 1)

	go monitorProcess(s)
	return s, nil
}

func monitorProcess(s *llmServer) {
	err := s.cmd.Wait()
	s.exited.Store(true)
	if msg := s.status.LastErrMsg(); err != nil && msg != "" {
		slog.Error("trainer backend terminated", "error", err)
		s.done <- errors.New(msg)
	} else {
		s.done <- err
	}
}

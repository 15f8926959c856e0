// Package llm - Ressourcen freigeben
package llm

import (
	"errors"
	"log/slog"
	"os"
)

// Close beendet einen selbst gestarteten Backend-Prozess. Verbindungen zu
// einem laufenden Backend (LORAKIT_TRAINER_URL) bleiben unberuehrt.
func (s *llmServer) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	slog.Debug("stopping trainer backend", "pid", s.Pid())
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	if !s.exited.Load() {
		slog.Debug("waiting for trainer backend to exit", "pid", s.Pid())
		<-s.done
	}

	slog.Debug("trainer backend stopped", "pid", s.Pid())
	return nil
}

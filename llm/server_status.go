// Package llm - Backend Status und Kontrolle
//
// Funktionen zur Backend-Überwachung:
// - ServerStatus für die Zustände des Health-Endpoints
// - getServerStatus für Health Checks
// - WaitUntilRunning für den Startup
// - Ping, Pid, HasExited für Prozess-Info
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/mini-helper/lorakit/envconfig"
)

// ServerStatus ist der Zustand, den das Backend unter /health meldet
type ServerStatus string

const (
	ServerStatusReady         ServerStatus = "ok"
	ServerStatusLaunched      ServerStatus = "launched"
	ServerStatusLoadingModel  ServerStatus = "loading"
	ServerStatusNotResponding ServerStatus = "not responding"
	ServerStatusError         ServerStatus = "error"
)

// ServerStatusResponse ist die Antwort vom Health-Endpoint
type ServerStatusResponse struct {
	Status   ServerStatus `json:"status"`
	Progress float32      `json:"progress,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// getServerStatus fragt den Health-Endpoint ab
func (s *llmServer) getServerStatus(ctx context.Context) (ServerStatus, error) {
	// Schneller Fehler wenn Prozess beendet
	if s.HasExited() {
		return ServerStatusError, fmt.Errorf("trainer backend process has terminated: exit status %d %s", s.cmd.ProcessState.ExitCode(), s.status.LastErrMsg())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/health", nil)
	if err != nil {
		return ServerStatusError, fmt.Errorf("error creating GET request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ServerStatusNotResponding, errors.New("server not responding")
		}
		if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
			return ServerStatusNotResponding, errors.New("connection refused")
		}
		return ServerStatusError, fmt.Errorf("health resp: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ServerStatusError, fmt.Errorf("read health request: %w", err)
	}

	var ssr ServerStatusResponse
	if err := json.Unmarshal(body, &ssr); err != nil {
		return ServerStatusError, fmt.Errorf("health unmarshal encode response: %w", err)
	}

	switch ssr.Status {
	case ServerStatusLoadingModel:
		s.loadProgress = ssr.Progress
		return ssr.Status, nil
	case ServerStatusLaunched, ServerStatusReady:
		return ssr.Status, nil
	default:
		return ServerStatusError, fmt.Errorf("server error: %+v", ssr)
	}
}

// Ping prüft ob das Backend erreichbar ist
func (s *llmServer) Ping(ctx context.Context) error {
	_, err := s.getServerStatus(ctx)
	if err != nil {
		slog.Debug("backend unhealthy", "error", err)
		return err
	}
	return nil
}

// WaitUntilRunning wartet bis das Backend Anfragen annimmt. Der Timeout
// (LORAKIT_LOAD_TIMEOUT) wird bei Ladefortschritt neu gestartet.
func (s *llmServer) WaitUntilRunning(ctx context.Context) error {
	stallDuration := envconfig.LoadTimeout()
	stallTimer := time.Now().Add(stallDuration)

	slog.Info("waiting for trainer backend to start responding")
	var lastStatus ServerStatus

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for trainer backend to start: %w", ctx.Err())
		case err := <-s.done:
			return fmt.Errorf("trainer backend process has terminated: %w", err)
		default:
		}

		if time.Now().After(stallTimer) {
			return fmt.Errorf("timed out waiting for trainer backend to start - progress %0.2f - %s", s.loadProgress, s.status.LastErrMsg())
		}

		priorProgress := s.loadProgress
		status, err := s.checkStatus(ctx)
		if err != nil && status == ServerStatusError {
			return err
		}

		if lastStatus != status && status != ServerStatusReady {
			slog.Info("waiting for backend to become available", "status", status)
		}

		switch status {
		case ServerStatusReady:
			slog.Info(fmt.Sprintf("trainer backend started in %0.2f seconds", time.Since(s.loadStart).Seconds()))
			return nil
		default:
			lastStatus = status
			if priorProgress != s.loadProgress {
				slog.Debug(fmt.Sprintf("backend load progress %0.2f", s.loadProgress))
				stallTimer = time.Now().Add(stallDuration)
			}
			time.Sleep(250 * time.Millisecond)
		}
	}
}

func (s *llmServer) checkStatus(ctx context.Context) (ServerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	return s.getServerStatus(ctx)
}

// Pid gibt die Prozess-ID des Backends zurück, -1 wenn nicht selbst gestartet
func (s *llmServer) Pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return -1
}

// HasExited prüft ob der Backend-Prozess beendet wurde
func (s *llmServer) HasExited() bool {
	return s.cmd != nil && s.exited.Load()
}

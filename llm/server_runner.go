// Package llm - Backend Subprocess Verwaltung
//
// Funktionen zum Starten und Konfigurieren des Backend-Prozesses:
// - StartRunner: Startet LORAKIT_TRAINER oder den eingebauten Runner
// - findAvailablePort: Freien Port finden
// - configureRunnerEnv: Umgebungsvariablen setzen
// - setupRunnerOutput: Stdout/Stderr weiterleiten
package llm

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// StartRunner startet den Backend-Prozess. Ohne command wird die eigene
// Binary mit dem Unterbefehl "runner" gestartet. Der Port wird als
// "--port N" angehaengt.
func StartRunner(command []string, out io.Writer, extraEnvs map[string]string) (cmd *exec.Cmd, port int, err error) {
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, 0, fmt.Errorf("unable to lookup executable path: %w", err)
		}

		if eval, err := filepath.EvalSymlinks(exe); err == nil {
			exe = eval
		}
		command = []string{exe, "runner"}
	}

	port = findAvailablePort()

	params := append(command[1:len(command):len(command)], "--port", strconv.Itoa(port))
	cmd = exec.Command(command[0], params...)
	cmd.Env = os.Environ()

	if out != nil {
		setupRunnerOutput(cmd, out)
	}

	configureRunnerEnv(cmd, extraEnvs)

	slog.Info("starting trainer backend", "cmd", cmd)
	slog.Debug("subprocess", "", filteredEnv(cmd.Env))

	if err = cmd.Start(); err != nil {
		return nil, 0, err
	}

	return cmd, port, nil
}

// ParseCommand teilt LORAKIT_TRAINER in Programm und Argumente
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

// findAvailablePort findet einen freien TCP Port
func findAvailablePort() int {
	if a, err := net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		if l, err := net.ListenTCP("tcp", a); err == nil {
			port := l.Addr().(*net.TCPAddr).Port
			l.Close()
			return port
		}
	}
	slog.Debug("ResolveTCPAddr failed, using random port")
	return rand.Intn(65535-49152) + 49152
}

// setupRunnerOutput verbindet Stdout/Stderr mit dem Writer. Derselbe Writer
// fuer beide Streams wird von exec nie gleichzeitig beschrieben, und Wait
// kehrt erst zurueck, wenn alle Ausgaben kopiert sind.
func setupRunnerOutput(cmd *exec.Cmd, out io.Writer) {
	cmd.Stdout = out
	cmd.Stderr = out
}

// configureRunnerEnv ersetzt oder ergaenzt Variablen aus extraEnvs
func configureRunnerEnv(cmd *exec.Cmd, extraEnvs map[string]string) {
	keys := slices.Sorted(maps.Keys(extraEnvs))
	done := make(map[string]bool, len(extraEnvs))
	for i := range cmd.Env {
		key, _, _ := strings.Cut(cmd.Env[i], "=")
		for _, k := range keys {
			if strings.EqualFold(key, k) {
				cmd.Env[i] = k + "=" + extraEnvs[k]
				done[k] = true
			}
		}
	}

	for _, k := range keys {
		if !done[k] {
			cmd.Env = append(cmd.Env, k+"="+extraEnvs[k])
		}
	}
}

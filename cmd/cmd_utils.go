// cmd_utils.go - Gemeinsame Hilfsfunktionen der Commands
// Hauptfunktionen: newProgressBar, startRun, uploadDir, humanBytes
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/runs"
	"github.com/mini-helper/lorakit/storage"
)

// showProgress meldet, ob Fortschrittsbalken gezeichnet werden
func showProgress() bool {
	return !envconfig.NoProgress() && term.IsTerminal(int(os.Stderr.Fd()))
}

// newProgressBar - Balken auf stderr; ohne Terminal wird nichts gezeichnet
func newProgressBar(max int64, description string, bytes bool) *progressbar.ProgressBar {
	if !showProgress() {
		return progressbar.DefaultSilent(max, description)
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	}
	if bytes {
		opts = append(opts, progressbar.OptionShowBytes(true))
	}
	return progressbar.NewOptions64(max, opts...)
}

// downloadProgress - Callback fuer Hub-Downloads; der Balken wird beim
// ersten Aufruf mit der Gesamtgroesse angelegt
func downloadProgress(description string) (func(downloaded, total int64), func()) {
	var bar *progressbar.ProgressBar
	update := func(downloaded, total int64) {
		if bar == nil {
			bar = newProgressBar(total, description, true)
		}
		_ = bar.Set64(downloaded)
	}
	done := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}
	return update, done
}

// runRecorder haelt einen Eintrag im Laufverzeichnis offen
type runRecorder struct {
	reg *runs.Registry
	run runs.Run
}

// startRun - Legt einen laufenden Eintrag an. Ist das Verzeichnis nicht
// verfuegbar, wird gewarnt und ohne Aufzeichnung weitergearbeitet.
func startRun(run runs.Run) *runRecorder {
	reg, err := runs.Open(runs.DefaultPath())
	if err != nil {
		slog.Warn("run registry unavailable, run will not be recorded", "error", err)
		return &runRecorder{run: run}
	}

	run, err = reg.Start(run)
	if err != nil {
		slog.Warn("could not record run", "error", err)
		reg.Close()
		return &runRecorder{run: run}
	}

	slog.Debug("recording run", "id", run.ID, "kind", run.Kind)
	return &runRecorder{reg: reg, run: run}
}

// finish - Schliesst den Eintrag ab; update ergaenzt Ergebnisse
func (r *runRecorder) finish(err error, update func(*runs.Run)) {
	if r.reg == nil {
		return
	}
	defer r.reg.Close()

	if update != nil {
		update(&r.run)
	}
	if _, ferr := r.reg.Finish(r.run, err); ferr != nil {
		slog.Warn("could not record run", "id", r.run.ID, "error", ferr)
	}
}

// uploadDir - Laedt src nach uri hoch und meldet das Ergebnis auf w
func uploadDir(ctx context.Context, w io.Writer, uri, src string) error {
	keys, err := storage.UploadDir(ctx, uri, src)
	if err != nil {
		return fmt.Errorf("upload %s: %w", src, err)
	}

	fmt.Fprintf(w, "Uploaded %d files to %s\n", len(keys), uri)
	return nil
}

// humanBytes - Formatiert eine Byte-Anzahl (1000er-Basis wie der Hub)
func humanBytes(b int64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}

	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

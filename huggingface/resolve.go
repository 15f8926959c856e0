// resolve.go - Modell-Referenz (lokales Verzeichnis oder Hub-ID) aufloesen
package huggingface

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mini-helper/lorakit/envconfig"
)

// ResolveOptions steuert, wie ein Modell aufgeloest wird
type ResolveOptions struct {
	Client   *Client
	Revision string
	Patterns []string
	Progress ProgressCallback
}

// Resolve liefert ein lokales Verzeichnis fuer idOrDir. Existiert idOrDir als
// Verzeichnis, wird es unveraendert zurueckgegeben. Sonst wird die Hub-ID im
// Cache gesucht und bei Bedarf heruntergeladen. Mit HF_HUB_OFFLINE=1 wird nur
// der Cache verwendet.
func Resolve(ctx context.Context, idOrDir string, opts ResolveOptions) (string, error) {
	if stat, err := os.Stat(idOrDir); err == nil && stat.IsDir() {
		return idOrDir, nil
	}

	if !IsModelID(idOrDir) {
		return "", fmt.Errorf("%s: not a directory and not a valid model id", idOrDir)
	}

	revision := cmp.Or(opts.Revision, "main")
	cached, ok := GetCachedModel(idOrDir, revision)
	if envconfig.HFHubOffline() {
		if !ok {
			return "", fmt.Errorf("%s: %w (HF_HUB_OFFLINE is set)", idOrDir, ErrModelNotInCache)
		}
		return cached, nil
	}

	client := opts.Client
	if client == nil {
		client = NewClient()
	}

	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = ModelFilePatterns
	}

	slog.Info("resolving model", "model", idOrDir, "revision", revision, "cached", ok)
	result, err := client.DownloadModel(ctx, idOrDir,
		WithDownloadRevision(revision),
		WithIncludePatterns(patterns...),
		WithDownloadProgress(opts.Progress),
	)
	if err != nil {
		if ok && !errors.Is(err, ErrUnauthorized) {
			// Hub nicht erreichbar: vorhandenen Snapshot verwenden
			slog.Warn("hub not reachable, using cached snapshot", "model", idOrDir, "error", err)
			return cached, nil
		}
		return "", err
	}
	return result.CachePath, nil
}

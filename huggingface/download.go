// download.go - Download von HuggingFace Modellen in den Hub-Cache
// Unterstuetzt Progress-Callbacks, Revisions, Wiederholungen und parallele Downloads.
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Download-Konstanten
const (
	DefaultChunkSize       = 1024 * 1024 // 1 MB
	MaxDownloadRetries     = 3
	DownloadRetryDelay     = 2 * time.Second
	ProgressUpdateInterval = 100 * time.Millisecond
	DefaultParallelism     = 4
)

// ModelFilePatterns sind die Dateien, die fuer Training und Merge gebraucht werden
var ModelFilePatterns = []string{
	"config.json",
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"added_tokens.json",
	"vocab.json",
	"merges.txt",
	"tokenizer.model",
	"chat_template.jinja",
	"*.safetensors",
	"model.safetensors.index.json",
}

// ModelDownloadResult enthaelt das Ergebnis eines Model-Downloads
type ModelDownloadResult struct {
	ModelID      string
	Revision     string
	CachePath    string
	Files        []DownloadedFile
	TotalSize    int64
	DownloadTime time.Duration
}

// DownloadedFile repraesentiert eine heruntergeladene Datei
type DownloadedFile struct {
	Filename  string
	LocalPath string
	Size      int64
	FromCache bool
}

// ProgressCallback wird waehrend des Downloads aufgerufen
type ProgressCallback func(downloaded, total int64)

// DownloadOption konfiguriert einen Download
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	revision        string
	progressFn      ProgressCallback
	parallelism     int
	includePatterns []string
	excludePatterns []string
}

// WithDownloadRevision setzt die Git-Revision fuer den Download
func WithDownloadRevision(revision string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.revision = revision }
}

// WithDownloadProgress setzt den Progress-Callback
func WithDownloadProgress(fn ProgressCallback) DownloadOption {
	return func(cfg *downloadConfig) { cfg.progressFn = fn }
}

// WithDownloadParallelism setzt die Anzahl paralleler Downloads
func WithDownloadParallelism(n int) DownloadOption {
	return func(cfg *downloadConfig) {
		if n > 0 {
			cfg.parallelism = n
		}
	}
}

// WithIncludePatterns filtert Dateien nach Glob-Patterns
func WithIncludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.includePatterns = patterns }
}

// WithExcludePatterns schliesst Dateien nach Glob-Patterns aus
func WithExcludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.excludePatterns = patterns }
}

// DownloadModel laedt ein Modell in den Hub-Cache. Bereits vollstaendig
// vorhandene Dateien werden nicht erneut geladen.
func (c *Client) DownloadModel(ctx context.Context, modelID string, opts ...DownloadOption) (*ModelDownloadResult, error) {
	startTime := time.Now()
	cfg := &downloadConfig{revision: "main", parallelism: DefaultParallelism}
	for _, opt := range opts {
		opt(cfg)
	}

	info, err := c.GetModelInfo(ctx, modelID, cfg.revision)
	if err != nil {
		return nil, fmt.Errorf("get model info: %w", err)
	}
	if info.IsGated() && !c.HasToken() {
		slog.Warn("model is gated, set HF_TOKEN if the download fails", "model", modelID)
	}

	filesToDownload := filterDownloadFiles(info.Siblings, cfg)
	if len(filesToDownload) == 0 {
		return nil, errors.New("no files to download")
	}

	var totalSize int64
	for _, f := range filesToDownload {
		totalSize += f.size()
	}

	snapshot := info.SHA
	if snapshot == "" {
		snapshot = cfg.revision
	}
	snapshotDir := filepath.Join(ModelCacheDir(modelID), CacheSnapshotDir, snapshot)
	// Download per Commit-Hash, damit alle Dateien zur selben Revision gehoeren
	revision := snapshot

	var downloadedBytes int64
	var progressMu sync.Mutex
	lastProgressUpdate := time.Now()
	updateProgress := func(bytes int64) {
		if cfg.progressFn == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		downloadedBytes += bytes
		now := time.Now()
		if now.Sub(lastProgressUpdate) >= ProgressUpdateInterval {
			cfg.progressFn(downloadedBytes, totalSize)
			lastProgressUpdate = now
		}
	}

	results := make([]DownloadedFile, len(filesToDownload))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)
	for i, f := range filesToDownload {
		g.Go(func() error {
			localPath := filepath.Join(snapshotDir, filepath.FromSlash(f.Filename))
			fromCache := false
			if stat, err := os.Stat(localPath); err == nil && (f.size() == 0 || stat.Size() == f.size()) {
				fromCache = true
				updateProgress(stat.Size())
			} else if err := c.downloadFileWithRetry(ctx, c.fileURL(modelID, revision, f.Filename), localPath, updateProgress); err != nil {
				return fmt.Errorf("download %s: %w", f.Filename, err)
			}

			results[i] = DownloadedFile{Filename: f.Filename, LocalPath: localPath, Size: f.size(), FromCache: fromCache}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := writeRef(modelID, cfg.revision, info.SHA); err != nil {
		return nil, fmt.Errorf("write ref: %w", err)
	}

	if cfg.progressFn != nil {
		cfg.progressFn(totalSize, totalSize)
	}
	return &ModelDownloadResult{
		ModelID: modelID, Revision: cfg.revision, CachePath: snapshotDir,
		Files: results, TotalSize: totalSize, DownloadTime: time.Since(startTime),
	}, nil
}

// size bevorzugt die LFS-Groesse; die API liefert size nicht immer
func (s APISibling) size() int64 {
	if s.LFS != nil && s.LFS.Size > 0 {
		return s.LFS.Size
	}
	return s.Size
}

func (c *Client) downloadFileWithRetry(ctx context.Context, url, targetPath string, progressFn func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	// reported zaehlt die in diesem Lauf gemeldeten Bytes der Datei
	var reported int64
	report := func(n int64) {
		reported += n
		if progressFn != nil {
			progressFn(n)
		}
	}

	var lastErr error
	for attempt := 0; attempt < MaxDownloadRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying download", "url", url, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DownloadRetryDelay):
			}
		}
		if err := c.doDownload(ctx, url, targetPath, reported, report); err != nil {
			lastErr = err
			// Auth- und 404-Fehler aendern sich nicht durch Wiederholen
			if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrUnauthorized) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("download failed after %d attempts: %w", MaxDownloadRetries, lastErr)
}

// doDownload setzt eine .download-Datei per Range fort. reported ist die
// bereits gemeldete Byte-Zahl; gemeldet wird nur die Differenz zum Dateistand.
func (c *Client) doDownload(ctx context.Context, url, targetPath string, reported int64, progressFn func(int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	var existingSize int64
	tmpPath := targetPath + ".download"
	if stat, err := os.Stat(tmpPath); err == nil {
		existingSize = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && existingSize > 0 {
		// Server ignoriert Range, von vorne beginnen
		existingSize = 0
		os.Remove(tmpPath)
	} else if err := handleResponseError(resp); err != nil {
		return err
	}
	if delta := existingSize - reported; delta != 0 {
		progressFn(delta)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if existingSize > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, DefaultChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			progressFn(int64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, targetPath)
}

func filterDownloadFiles(siblings []APISibling, cfg *downloadConfig) []APISibling {
	var result []APISibling
	for _, s := range siblings {
		if len(cfg.includePatterns) > 0 && !matchAny(cfg.includePatterns, s.Filename) {
			continue
		}
		if matchAny(cfg.excludePatterns, s.Filename) {
			continue
		}
		result = append(result, s)
	}
	return result
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if m, _ := filepath.Match(pattern, name); m {
			return true
		}
	}
	return false
}

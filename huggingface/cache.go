// cache.go - Cache-Management fuer HuggingFace Modelle
// Kompatibel mit der huggingface_hub Cache-Struktur:
//
//	models--<org>--<name>/refs/<revision>       enthaelt den Commit-Hash
//	models--<org>--<name>/snapshots/<hash>/...  enthaelt die Dateien
package huggingface

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mini-helper/lorakit/envconfig"
)

// Cache-Konstanten
const (
	DefaultCacheSubdir = "huggingface/hub"
	CacheRefDir        = "refs"
	CacheSnapshotDir   = "snapshots"
	CacheModelPrefix   = "models--"
)

// Cache-Fehler
var (
	ErrModelNotInCache   = errors.New("model not in cache")
	ErrCacheAccessDenied = errors.New("cache access denied")
)

// CachedModel repraesentiert ein gecachtes Modell
type CachedModel struct {
	ModelID   string
	CacheDir  string
	Revisions []string
	TotalSize int64
	FileCount int
}

// CacheInfo enthaelt Informationen ueber den gesamten Cache
type CacheInfo struct {
	CacheDir   string
	TotalSize  int64
	ModelCount int
	Models     []CachedModel
}

// GetCacheDir gibt das Cache-Verzeichnis zurueck
// Reihenfolge: HF_HUB_CACHE, HF_HOME/hub, ~/.cache/huggingface/hub
func GetCacheDir() string {
	if cacheDir := envconfig.Var("HF_HUB_CACHE"); cacheDir != "" {
		return cacheDir
	}
	if hfHome := envconfig.Var(EnvHFHome); hfHome != "" {
		return filepath.Join(hfHome, "hub")
	}
	return getDefaultCacheDir()
}

func getDefaultCacheDir() string {
	var baseDir string
	switch runtime.GOOS {
	case "windows":
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			baseDir = filepath.Join(userProfile, ".cache")
		} else {
			baseDir = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	default:
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			baseDir = xdgCache
		} else if home, err := os.UserHomeDir(); err == nil {
			baseDir = filepath.Join(home, ".cache")
		} else {
			baseDir = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	}
	return filepath.Join(baseDir, DefaultCacheSubdir)
}

// ModelCacheDir gibt das Cache-Verzeichnis eines Modells zurueck
func ModelCacheDir(modelID string) string {
	return filepath.Join(GetCacheDir(), modelIDToCacheDir(modelID))
}

// resolveRevision liest refs/<revision>. Ohne Ref wird revision selbst
// als Snapshot-Name verwendet (Commit-Hash).
func resolveRevision(modelID, revision string) string {
	ref := filepath.Join(ModelCacheDir(modelID), CacheRefDir, revision)
	if bts, err := os.ReadFile(ref); err == nil {
		if sha := strings.TrimSpace(string(bts)); sha != "" {
			return sha
		}
	}
	return revision
}

// writeRef speichert den Commit-Hash einer Revision
func writeRef(modelID, revision, sha string) error {
	if sha == "" || sha == revision {
		return nil
	}
	dir := filepath.Join(ModelCacheDir(modelID), CacheRefDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, revision), []byte(sha), 0o644)
}

// SnapshotDir gibt das Snapshot-Verzeichnis einer Revision zurueck
func SnapshotDir(modelID, revision string) string {
	return filepath.Join(ModelCacheDir(modelID), CacheSnapshotDir, resolveRevision(modelID, revision))
}

// GetCachedModel prueft, ob eine Revision eines Modells im Cache ist
func GetCachedModel(modelID, revision string) (string, bool) {
	snapshotPath := SnapshotDir(modelID, revision)
	if stat, err := os.Stat(snapshotPath); err == nil && stat.IsDir() {
		if entries, err := os.ReadDir(snapshotPath); err == nil && len(entries) > 0 {
			return snapshotPath, true
		}
	}
	return "", false
}

// GetCachedFile gibt den Pfad zu einer Datei im Cache zurueck
func GetCachedFile(modelID, filename, revision string) (string, bool) {
	filePath := filepath.Join(SnapshotDir(modelID, revision), filename)
	if _, err := os.Stat(filePath); err == nil {
		return filePath, true
	}
	return "", false
}

// GetCacheInfo gibt detaillierte Informationen ueber den Cache zurueck
func GetCacheInfo() (*CacheInfo, error) {
	cacheDir := GetCacheDir()
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		return &CacheInfo{CacheDir: cacheDir}, nil
	}
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrCacheAccessDenied
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}
	info := &CacheInfo{CacheDir: cacheDir, Models: make([]CachedModel, 0)}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), CacheModelPrefix) {
			continue
		}
		modelPath := filepath.Join(cacheDir, entry.Name())
		cachedModel := CachedModel{ModelID: cacheDirToModelID(entry.Name()), CacheDir: modelPath}
		if refs, err := os.ReadDir(filepath.Join(modelPath, CacheRefDir)); err == nil {
			for _, ref := range refs {
				if !ref.IsDir() {
					cachedModel.Revisions = append(cachedModel.Revisions, ref.Name())
				}
			}
		}
		cachedModel.TotalSize, cachedModel.FileCount = getDirSizeAndCount(modelPath)
		info.Models = append(info.Models, cachedModel)
		info.TotalSize += cachedModel.TotalSize
		info.ModelCount++
	}
	return info, nil
}

// ClearModelCache loescht den Cache fuer ein Modell
func ClearModelCache(modelID string) error {
	modelPath := ModelCacheDir(modelID)
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return ErrModelNotInCache
	}
	return os.RemoveAll(modelPath)
}

func modelIDToCacheDir(modelID string) string {
	return CacheModelPrefix + strings.ReplaceAll(modelID, "/", "--")
}

func cacheDirToModelID(cacheDir string) string {
	return strings.Replace(strings.TrimPrefix(cacheDir, CacheModelPrefix), "--", "/", 1)
}

func getDirSizeAndCount(path string) (int64, int) {
	var size int64
	var count int
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count
}

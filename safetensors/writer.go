// writer.go - Schreiben von Safetensors-Dateien
//
// Hauptfunktionen:
// - WriteFile: Eine Datei, Header in Eintragsreihenfolge, 8-Byte-Ausrichtung
// - WriteSharded: Aufteilung auf Shards mit model.safetensors.index.json
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultMaxShardSize entspricht max_shard_size="5GB"
const DefaultMaxShardSize int64 = 5_000_000_000

// Entry ist ein zu schreibender Tensor. Load wird genau einmal beim
// Schreiben aufgerufen, damit nicht alle Daten gleichzeitig im Speicher liegen.
type Entry struct {
	Name  string
	DType string
	Shape []int64
	Load  func() ([]byte, error)
}

// Size gibt die erwartete Datengroesse in Bytes zurueck
func (e Entry) Size() (int64, error) {
	n, err := DTypeSize(e.DType)
	if err != nil {
		return 0, fmt.Errorf("tensor %s: %w", e.Name, err)
	}

	size := int64(n)
	for _, d := range e.Shape {
		size *= d
	}
	return size, nil
}

// Index ist der Inhalt von model.safetensors.index.json
type Index struct {
	Metadata struct {
		TotalSize int64 `json:"total_size"`
	} `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// WriteFile schreibt entries nach path. fn wird nach jedem Tensor aufgerufen.
func WriteFile(path string, entries []Entry, metadata map[string]string, fn func(Entry)) error {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		header.Set(metadataKey, metadata)
	}

	var offset int64
	sizes := make([]int64, len(entries))
	for i, e := range entries {
		size, err := e.Size()
		if err != nil {
			return err
		}
		sizes[i] = size

		header.Set(e.Name, TensorInfo{
			DType:   e.DType,
			Shape:   e.Shape,
			Offsets: [2]int64{offset, offset + size},
		})
		offset += size
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Daten beginnen an einer 8-Byte-Grenze
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}
	if _, err := w.Write(bts); err != nil {
		return err
	}

	for i, e := range entries {
		data, err := e.Load()
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if int64(len(data)) != sizes[i] {
			return fmt.Errorf("tensor %s: expected %d bytes, got %d", e.Name, sizes[i], len(data))
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if fn != nil {
			fn(e)
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// PlanShards verteilt entries der Reihe nach auf Shards von hoechstens
// maxShardSize Bytes. Ein einzelner groesserer Tensor bekommt einen eigenen Shard.
func PlanShards(entries []Entry, maxShardSize int64) ([][]Entry, int64, error) {
	var shards [][]Entry
	var current []Entry
	var currentSize, total int64

	for _, e := range entries {
		size, err := e.Size()
		if err != nil {
			return nil, 0, err
		}
		total += size

		if len(current) > 0 && maxShardSize > 0 && currentSize+size > maxShardSize {
			shards = append(shards, current)
			current, currentSize = nil, 0
		}
		current = append(current, e)
		currentSize += size
	}

	if len(current) > 0 {
		shards = append(shards, current)
	}
	return shards, total, nil
}

// WriteSharded schreibt entries nach dir. Passt alles in einen Shard, entsteht
// model.safetensors, sonst model-0000N-of-0000M.safetensors plus Index.
// Gibt die geschriebenen Dateinamen zurueck.
func WriteSharded(dir string, entries []Entry, maxShardSize int64, metadata map[string]string, fn func(Entry)) ([]string, error) {
	shards, total, err := PlanShards(entries, maxShardSize)
	if err != nil {
		return nil, err
	}

	if len(shards) <= 1 {
		if err := WriteFile(filepath.Join(dir, "model.safetensors"), entries, metadata, fn); err != nil {
			return nil, err
		}
		return []string{"model.safetensors"}, nil
	}

	idx := Index{WeightMap: make(map[string]string, len(entries))}
	idx.Metadata.TotalSize = total

	var written []string
	for i, shard := range shards {
		name := fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, len(shards))
		if err := WriteFile(filepath.Join(dir, name), shard, metadata, fn); err != nil {
			return written, err
		}
		written = append(written, name)

		for _, e := range shard {
			idx.WeightMap[e.Name] = name
		}
	}

	bts, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return written, err
	}
	if err := os.WriteFile(filepath.Join(dir, IndexFile), append(bts, '\n'), 0o644); err != nil {
		return written, err
	}
	return append(written, IndexFile), nil
}

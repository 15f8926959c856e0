// reader.go - Lesen von Safetensors-Dateien und Modellverzeichnissen
//
// Hauptfunktionen:
// - Open: Einzelne .safetensors-Datei (Header + ReadAt-Zugriff)
// - OpenModel: Verzeichnis mit model.safetensors oder Shards + Index
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// IndexFile verweist auf die Shards eines Modells
	IndexFile = "model.safetensors.index.json"

	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

// ErrNoWeights wird zurueckgegeben, wenn ein Verzeichnis keine Gewichte enthaelt
var ErrNoWeights = errors.New("no safetensors weights found")

// TensorInfo beschreibt einen Tensor im Header
type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Elements gibt die Anzahl der Elemente zurueck
func (ti TensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// Size gibt die Groesse der Daten in Bytes zurueck
func (ti TensorInfo) Size() int64 {
	return ti.Offsets[1] - ti.Offsets[0]
}

// validate prueft Shape und Offsets gegen die Groesse des Datenbereichs
func (ti TensorInfo) validate(dataSize int64) error {
	for _, d := range ti.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", ti.Shape)
		}
	}
	if begin, end := ti.Offsets[0], ti.Offsets[1]; begin < 0 || begin > end || end > dataSize {
		return fmt.Errorf("data_offsets [%d, %d] outside of %d data bytes", begin, end, dataSize)
	}
	return nil
}

// File ist eine geoeffnete Safetensors-Datei
type File struct {
	Path     string
	Metadata map[string]string

	f          *os.File
	dataOffset int64
	tensors    map[string]TensorInfo
}

// Open liest den Header von path. Die Tensordaten werden erst bei Bedarf gelesen.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sf, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	sf.Path = path
	return sf, nil
}

func readHeader(f *os.File) (*File, error) {
	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid header size %d", n)
	}

	bts := make([]byte, n)
	if _, err := io.ReadFull(f, bts); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bts, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	dataSize := stat.Size() - 8 - int64(n)

	sf := &File{
		f:          f,
		dataOffset: 8 + int64(n),
		tensors:    make(map[string]TensorInfo, len(raw)),
	}

	for name, v := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(v, &sf.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if err := ti.validate(dataSize); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if size, err := DTypeSize(ti.DType); err == nil && ti.Elements()*int64(size) != ti.Size() {
			return nil, fmt.Errorf("tensor %s: %d bytes for shape %v", name, ti.Size(), ti.Shape)
		}
		sf.tensors[name] = ti
	}

	return sf, nil
}

// Names gibt die sortierten Tensornamen zurueck
func (sf *File) Names() []string {
	return slices.Sorted(maps.Keys(sf.tensors))
}

// Info gibt die Header-Informationen eines Tensors zurueck
func (sf *File) Info(name string) (TensorInfo, bool) {
	ti, ok := sf.tensors[name]
	return ti, ok
}

// ReadRaw liest die Rohdaten eines Tensors
func (sf *File) ReadRaw(name string) ([]byte, error) {
	ti, ok := sf.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found in %s", name, filepath.Base(sf.Path))
	}

	bts := make([]byte, ti.Size())
	if _, err := sf.f.ReadAt(bts, sf.dataOffset+ti.Offsets[0]); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return bts, nil
}

// Float32s liest einen Gleitkomma-Tensor als float32
func (sf *File) Float32s(name string) ([]float32, error) {
	raw, err := sf.ReadRaw(name)
	if err != nil {
		return nil, err
	}
	return DecodeFloat32(sf.tensors[name].DType, raw)
}

// Close schliesst die Datei
func (sf *File) Close() error {
	return sf.f.Close()
}

// Model fasst alle Safetensors-Dateien eines Verzeichnisses zusammen
type Model struct {
	Dir string

	files  []*File
	lookup map[string]*File
}

// OpenModel oeffnet die Gewichte in dir. Existiert ein Index, bestimmt er
// die Shards, sonst werden alle *.safetensors-Dateien gelesen.
func OpenModel(dir string) (*Model, error) {
	names, err := shardNames(dir)
	if err != nil {
		return nil, err
	}

	m := &Model{Dir: dir, lookup: make(map[string]*File)}
	for _, name := range names {
		sf, err := Open(filepath.Join(dir, name))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.files = append(m.files, sf)

		for _, tensor := range sf.Names() {
			if _, dup := m.lookup[tensor]; dup {
				m.Close()
				return nil, fmt.Errorf("tensor %s appears in more than one shard", tensor)
			}
			m.lookup[tensor] = sf
		}
	}

	return m, nil
}

func shardNames(dir string) ([]string, error) {
	bts, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx Index
		if err := json.Unmarshal(bts, &idx); err != nil {
			return nil, fmt.Errorf("%s: %w", IndexFile, err)
		}
		names := slices.Sorted(maps.Values(idx.WeightMap))
		names = slices.Compact(names)
		if len(names) == 0 {
			return nil, ErrNoWeights
		}
		return names, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".safetensors") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoWeights, dir)
	}
	return names, nil
}

// Names gibt alle Tensornamen sortiert zurueck
func (m *Model) Names() []string {
	return slices.Sorted(maps.Keys(m.lookup))
}

// Info gibt die Header-Informationen eines Tensors zurueck
func (m *Model) Info(name string) (TensorInfo, bool) {
	sf, ok := m.lookup[name]
	if !ok {
		return TensorInfo{}, false
	}
	return sf.Info(name)
}

// ReadRaw liest die Rohdaten eines Tensors
func (m *Model) ReadRaw(name string) ([]byte, error) {
	sf, ok := m.lookup[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return sf.ReadRaw(name)
}

// Float32s liest einen Gleitkomma-Tensor als float32
func (m *Model) Float32s(name string) ([]float32, error) {
	sf, ok := m.lookup[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return sf.Float32s(name)
}

// Files gibt die geoeffneten Dateien zurueck
func (m *Model) Files() []*File {
	return m.files
}

// Close schliesst alle Dateien
func (m *Model) Close() error {
	var errs []error
	for _, sf := range m.files {
		errs = append(errs, sf.Close())
	}
	return errors.Join(errs...)
}

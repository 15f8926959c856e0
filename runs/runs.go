// Package runs - Lokales Verzeichnis der Trainings- und Merge-Laeufe
//
// Die Laeufe liegen als JSON im Bucket "runs" einer bbolt-Datenbank
// unter LORAKIT_HOME/runs.db.
package runs

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mini-helper/lorakit/envconfig"
)

var bucketRuns = []byte("runs")

// ErrNotFound wird von Get fuer unbekannte IDs gemeldet
var ErrNotFound = errors.New("run not found")

// Kind unterscheidet Trainings- und Merge-Laeufe
type Kind string

const (
	KindTrain Kind = "train"
	KindMerge Kind = "merge"
)

// Status eines Laufs
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run ist ein Eintrag im Verzeichnis
type Run struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Base      string    `json:"base"`
	Data      string    `json:"data,omitempty"`
	Adapter   string    `json:"adapter,omitempty"`
	Out       string    `json:"out"`
	Status    Status    `json:"status"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Steps     int       `json:"steps,omitempty"`
	FinalLoss float64   `json:"final_loss,omitempty"`
	Upload    string    `json:"upload,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Duration gibt die Laufzeit zurueck; laufende Eintraege bis jetzt
func (r Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

// Registry ist eine geoeffnete Run-Datenbank
type Registry struct {
	db *bolt.DB
}

// DefaultPath gibt LORAKIT_HOME/runs.db zurueck
func DefaultPath() string {
	return filepath.Join(envconfig.Home(), "runs.db")
}

// Open oeffnet (oder erstellt) die Datenbank unter path
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run registry %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

// Close schliesst die Datenbank
func (r *Registry) Close() error {
	return r.db.Close()
}

// Start legt einen neuen laufenden Eintrag an und vergibt ID und Startzeit
func (r *Registry) Start(run Run) (Run, error) {
	run.ID = uuid.NewString()
	run.Status = StatusRunning
	run.Started = time.Now().UTC()
	return run, r.Record(run)
}

// Finish schliesst run ab; err != nil markiert ihn als fehlgeschlagen
func (r *Registry) Finish(run Run, err error) (Run, error) {
	run.Finished = time.Now().UTC()
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	return run, r.Record(run)
}

// Record speichert run unter seiner ID und ueberschreibt einen bestehenden Eintrag
func (r *Registry) Record(run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}

	enc, err := json.Marshal(run)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), enc)
	})
}

// Get liest den Eintrag id
func (r *Registry) Get(id string) (Run, error) {
	var run Run
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &run)
	})
	return run, err
}

// List gibt alle Eintraege zurueck, neueste zuerst.
// Defekte Eintraege werden uebersprungen.
func (r *Registry) List() ([]Run, error) {
	var all []Run
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			all = append(all, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b Run) int {
		return cmp.Or(b.Started.Compare(a.Started), cmp.Compare(a.ID, b.ID))
	})
	return all, nil
}

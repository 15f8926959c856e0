package runs

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestStartFinish(t *testing.T) {
	r := openTestRegistry(t)

	run, err := r.Start(Run{Kind: KindTrain, Base: "Qwen/Qwen2.5-1.5B-Instruct", Data: "train.jsonl", Out: "./lora-out"})
	if err != nil {
		t.Fatal(err)
	}
	if run.ID == "" || run.Status != StatusRunning || run.Started.IsZero() {
		t.Fatalf("unerwarteter start-eintrag: %+v", run)
	}

	run.Steps = 12
	run.FinalLoss = 1.25
	done, err := r.Finish(run, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(done, got); diff != "" {
		t.Errorf("Get (-want +got):\n%s", diff)
	}
	if got.Status != StatusCompleted || got.Finished.Before(got.Started) {
		t.Errorf("unerwarteter abschluss: %+v", got)
	}
}

func TestFinishWithError(t *testing.T) {
	r := openTestRegistry(t)

	run, err := r.Start(Run{Kind: KindMerge, Base: "base", Adapter: "lora-out", Out: "merged"})
	if err != nil {
		t.Fatal(err)
	}

	failed, err := r.Finish(run, errors.New("shape mismatch"))
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusFailed || failed.Error != "shape mismatch" {
		t.Errorf("unerwarteter fehler-eintrag: %+v", failed)
	}
}

func TestListNewestFirst(t *testing.T) {
	r := openTestRegistry(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "c", "a"} {
		if err := r.Record(Run{ID: id, Kind: KindTrain, Started: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, run := range list {
		ids = append(ids, run.ID)
	}
	if diff := cmp.Diff([]string{"a", "c", "b"}, ids); diff != "" {
		t.Errorf("reihenfolge (-want +got):\n%s", diff)
	}
}

func TestListSkipsMalformed(t *testing.T) {
	r := openTestRegistry(t)

	if err := r.Record(Run{ID: "ok", Kind: KindTrain}); err != nil {
		t.Fatal(err)
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte("broken"), []byte("{"))
	}); err != nil {
		t.Fatal(err)
	}

	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "ok" {
		t.Errorf("erwartet nur den gueltigen eintrag, erhalten %+v", list)
	}
}

func TestGetNotFound(t *testing.T) {
	r := openTestRegistry(t)

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("erwartet ErrNotFound, erhalten %v", err)
	}
	if err := r.Record(Run{}); err == nil {
		t.Error("eintrag ohne id sollte fehlschlagen")
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run, err := r.Start(Run{Kind: KindTrain})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Get(run.ID); err != nil {
		t.Errorf("eintrag sollte nach erneutem oeffnen vorhanden sein: %v", err)
	}
}

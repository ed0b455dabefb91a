package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "doc.json")
	want := doc{Name: "alpha", Count: 3}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got doc
	if err := Load(path, &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoad_Missing(t *testing.T) {
	var d doc
	err := Load(filepath.Join(t.TempDir(), "absent.json"), &d)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load missing file: err = %v, want ErrNotExist", err)
	}
}

func TestLoadOr_SafeDefaults(t *testing.T) {
	dir := t.TempDir()

	// Missing file: value untouched, ok=false.
	d := doc{Name: "default"}
	if ok := LoadOr(filepath.Join(dir, "absent.json"), &d); ok {
		t.Fatal("LoadOr on missing file reported ok")
	}
	if d.Name != "default" {
		t.Fatalf("LoadOr mutated value on miss: %+v", d)
	}

	// Malformed file: same contract.
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok := LoadOr(bad, &d); ok {
		t.Fatal("LoadOr on malformed file reported ok")
	}
	if d.Name != "default" {
		t.Fatalf("LoadOr mutated value on malformed doc: %+v", d)
	}
}

func TestSave_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := Save(path, doc{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file left behind after Save")
	}
}

// Concurrent readers must always see a complete document while a writer
// replaces it.
func TestSave_ConcurrentReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := Save(path, doc{Name: "seed", Count: 0}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			if err := Save(path, doc{Name: "writer", Count: i}); err != nil {
				t.Errorf("Save: %v", err)
				return
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				var d doc
				if err := Load(path, &d); err != nil {
					t.Errorf("reader saw broken document: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRemove_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := Save(path, doc{}); err != nil {
		t.Fatal(err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if Exists(path) {
		t.Fatal("file still exists after Remove")
	}
}

package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	idx := buildTest(t, "a", "b", "d")
	if err := idx.Save(context.Background(), dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := Load(context.Background(), dir)
	if err != nil || !found {
		t.Fatalf("Load = %v, %v", found, err)
	}
	if diff := cmp.Diff(idx.Metadata(), got.Metadata()); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	want, _ := idx.Search([]float32{1, 1, 0}, 3)
	have, _ := got.Search([]float32{1, 1, 0}, 3)
	if diff := cmp.Diff(want, have); diff != "" {
		t.Errorf("search results differ after reload (-want +got):\n%s", diff)
	}
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{"missing dir", func(t *testing.T, dir string) { _ = os.RemoveAll(dir) }},
		{"empty dir", func(t *testing.T, dir string) {}},
		{"pointer to missing generation", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, currentFile), "gen-000007\n")
		}},
		{"generation missing vectors", func(t *testing.T, dir string) {
			idx := buildTest(t, "a")
			if err := idx.Save(context.Background(), dir); err != nil {
				t.Fatal(err)
			}
			gen, _ := readCurrent(dir)
			_ = os.Remove(filepath.Join(dir, gen, vectorFile))
		}},
		{"generation missing metadata", func(t *testing.T, dir string) {
			idx := buildTest(t, "a")
			if err := idx.Save(context.Background(), dir); err != nil {
				t.Fatal(err)
			}
			gen, _ := readCurrent(dir)
			_ = os.Remove(filepath.Join(dir, gen, metadataFile))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := filepath.Join(t.TempDir(), "idx")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			tt.setup(t, dir)
			idx, found, err := Load(context.Background(), dir)
			if err != nil || found || idx != nil {
				t.Fatalf("Load = %v, %v, %v; want nil, false, nil", idx, found, err)
			}
		})
	}
}

func TestLoad_Corrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		corrupt func(t *testing.T, genDir string)
	}{
		{"truncated vectors", func(t *testing.T, genDir string) {
			if err := os.Truncate(filepath.Join(genDir, vectorFile), 4); err != nil {
				t.Fatal(err)
			}
		}},
		{"flipped vector bytes", func(t *testing.T, genDir string) {
			p := filepath.Join(genDir, vectorFile)
			b, _ := os.ReadFile(p)
			b[0] ^= 0xff
			writeFile(t, p, string(b))
		}},
		{"bad metadata json", func(t *testing.T, genDir string) {
			writeFile(t, filepath.Join(genDir, metadataFile), "{")
		}},
		{"id count disagrees", func(t *testing.T, genDir string) {
			p := filepath.Join(genDir, metadataFile)
			b, _ := os.ReadFile(p)
			writeFile(t, p, strings.Replace(string(b), `"count": 2`, `"count": 3`, 1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			if err := buildTest(t, "a", "b").Save(context.Background(), dir); err != nil {
				t.Fatal(err)
			}
			gen, _ := readCurrent(dir)
			tt.corrupt(t, filepath.Join(dir, gen))

			_, found, err := Load(context.Background(), dir)
			if found || !errors.Is(err, kperr.ErrPersistence) {
				t.Fatalf("Load = %v, %v; want persistence error", found, err)
			}
		})
	}
}

func TestSave_ReplacesPreviousGeneration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := buildTest(t, "a").Save(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	if err := buildTest(t, "a", "b", "c").Save(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	got, found, err := Load(context.Background(), dir)
	if err != nil || !found {
		t.Fatalf("Load = %v, %v", found, err)
	}
	if got.Len() != 3 {
		t.Errorf("Len = %d, want 3", got.Len())
	}

	entries, _ := os.ReadDir(dir)
	var gens []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), genPrefix) {
			gens = append(gens, e.Name())
		}
	}
	if diff := cmp.Diff([]string{"gen-000002"}, gens); diff != "" {
		t.Errorf("generations on disk (-want +got):\n%s", diff)
	}
}

// TestSave_InterruptedKeepsPrevious exercises a save that fails after the
// staging pair is written but before it is published. The previously
// committed index must still load unchanged.
func TestSave_InterruptedKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	if err := buildTest(t, "a").Save(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	beforeCommit = func(string) error { return errors.New("simulated crash") }
	t.Cleanup(func() { beforeCommit = nil })

	err := buildTest(t, "a", "b").Save(context.Background(), dir)
	if !errors.Is(err, kperr.ErrPersistence) {
		t.Fatalf("Save error = %v, want persistence error", err)
	}

	got, found, err := Load(context.Background(), dir)
	if err != nil || !found {
		t.Fatalf("Load = %v, %v", found, err)
	}
	if got.Len() != 1 {
		t.Errorf("Len = %d, want the previous index with 1 vector", got.Len())
	}
}

// TestLoad_IgnoresAbandonedStaging covers a crash during the very first save:
// a staging directory exists but nothing was ever committed.
func TestLoad_IgnoresAbandonedStaging(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	staging := filepath.Join(dir, stagingPrefix+"123")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(staging, vectorFile), "\x00\x00\x80\x3f")

	if _, found, err := Load(context.Background(), dir); found || err != nil {
		t.Fatalf("Load = %v, %v; want not found", found, err)
	}

	if err := buildTest(t, "a").Save(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Errorf("abandoned staging dir was not removed: %v", err)
	}
}

func TestLoad_MalformedPointer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, currentFile), "../../etc\n")
	if _, _, err := Load(context.Background(), dir); !errors.Is(err, kperr.ErrPersistence) {
		t.Fatalf("Load error = %v, want persistence error", err)
	}
}

// TestSave_RecoversUnpublishedState covers directories left behind by a crash
// between publishing a generation and writing CURRENT, and by a damaged
// pointer. Save must commit a fresh generation over either.
func TestSave_RecoversUnpublishedState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(t *testing.T, dir string)
		wantGen string
	}{
		{"orphan generation without pointer", func(t *testing.T, dir string) {
			if err := os.MkdirAll(filepath.Join(dir, "gen-000001"), 0o755); err != nil {
				t.Fatal(err)
			}
		}, "gen-000002"},
		{"orphan generation above pointer", func(t *testing.T, dir string) {
			if err := buildTest(t, "a").Save(context.Background(), dir); err != nil {
				t.Fatal(err)
			}
			if err := os.MkdirAll(filepath.Join(dir, "gen-000005"), 0o755); err != nil {
				t.Fatal(err)
			}
		}, "gen-000006"},
		{"malformed pointer", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, currentFile), "garbage\n")
		}, "gen-000001"},
		{"malformed pointer beside old generation", func(t *testing.T, dir string) {
			if err := buildTest(t, "a").Save(context.Background(), dir); err != nil {
				t.Fatal(err)
			}
			writeFile(t, filepath.Join(dir, currentFile), "garbage\n")
		}, "gen-000002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			tt.setup(t, dir)

			if err := buildTest(t, "a", "b").Save(context.Background(), dir); err != nil {
				t.Fatalf("Save: %v", err)
			}
			gen, err := readCurrent(dir)
			if err != nil || gen != tt.wantGen {
				t.Errorf("CURRENT = %q, %v; want %q", gen, err, tt.wantGen)
			}
			got, found, err := Load(context.Background(), dir)
			if err != nil || !found || got.Len() != 2 {
				t.Fatalf("Load = %v, %v, %v; want the new 2-vector index", got, found, err)
			}
		})
	}
}

func TestGenerationNumber(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"gen-000042": 42,
		"gen-":       0,
		"gen-x":      0,
		"gen--3":     0,
		"garbage":    0,
		"":           0,
	}
	for in, want := range tests {
		if got := generationNumber(in); got != want {
			t.Errorf("generationNumber(%q) = %d, want %d", in, got, want)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

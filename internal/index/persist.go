package index

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

// On-disk layout under the index directory:
//
//	.lock              advisory lock held for the duration of Save and Load
//	CURRENT            name of the committed generation directory
//	gen-000042/        committed pair
//	  vectors.f32      little-endian float32, Count*Dim values
//	  metadata.json    Metadata
//	.staging-*/        in-progress Save; never read
//
// A Save writes the pair into a staging directory, renames it to the next
// generation and then replaces CURRENT with a rename. Readers only follow
// CURRENT, so they observe either the previous pair or the new one.
const (
	currentFile   = "CURRENT"
	lockFile      = ".lock"
	vectorFile    = "vectors.f32"
	metadataFile  = "metadata.json"
	stagingPrefix = ".staging-"
	genPrefix     = "gen-"

	lockRetryDelay = 50 * time.Millisecond
)

// beforeCommit, when set, runs after the staging directory is complete and
// before it is published. Tests use it to simulate a crash.
var beforeCommit func(staging string) error

// Save persists the index into dir atomically. The previous committed pair,
// if any, is untouched until the new one is fully written. Older generations
// and abandoned staging directories are removed after the commit.
func (x *Index) Save(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return persistErr(fmt.Errorf("index: create %s: %w", dir, err))
	}

	unlock, err := lockDir(ctx, dir, true)
	if err != nil {
		return err
	}
	defer unlock()

	removeStaging(dir)

	// A malformed CURRENT is replaced like a missing one. Generations left
	// unpublished by a crash still occupy their names on disk.
	prev, _ := readCurrent(dir)
	gen, err := nextGeneration(dir, prev)
	if err != nil {
		return persistErr(err)
	}

	staging, err := os.MkdirTemp(dir, stagingPrefix)
	if err != nil {
		return persistErr(fmt.Errorf("index: create staging dir: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := writeVectors(filepath.Join(staging, vectorFile), x.vectors); err != nil {
		return persistErr(err)
	}
	if err := writeJSON(filepath.Join(staging, metadataFile), x.meta); err != nil {
		return persistErr(err)
	}
	if err := syncDir(staging); err != nil {
		return persistErr(err)
	}
	if beforeCommit != nil {
		if err := beforeCommit(staging); err != nil {
			return persistErr(err)
		}
	}

	if err := os.Rename(staging, filepath.Join(dir, gen)); err != nil {
		return persistErr(fmt.Errorf("index: publish generation %s: %w", gen, err))
	}
	committed = true

	if err := writeCurrent(dir, gen); err != nil {
		_ = os.RemoveAll(filepath.Join(dir, gen))
		return persistErr(err)
	}

	pruneGenerations(dir, gen)
	return nil
}

// Load reads the committed index from dir. It returns found=false with a nil
// error when dir holds no committed pair: no CURRENT pointer, or a pointer to
// a generation missing either file. A pair that exists but is inconsistent
// yields a persistence error.
func Load(ctx context.Context, dir string) (*Index, bool, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}

	unlock, err := lockDir(ctx, dir, false)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	gen, err := readCurrent(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistErr(err)
	}

	genDir := filepath.Join(dir, gen)
	metaBytes, err := os.ReadFile(filepath.Join(genDir, metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistErr(fmt.Errorf("index: read metadata: %w", err))
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, false, persistErr(fmt.Errorf("index: parse metadata: %w", err))
	}
	if err := checkMetadata(meta); err != nil {
		return nil, false, persistErr(err)
	}

	vectors, err := readVectors(filepath.Join(genDir, vectorFile), meta.Count*meta.Dim)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistErr(err)
	}
	if sum := checksum(vectors); sum != meta.VectorSHA256 {
		return nil, false, persistErr(fmt.Errorf("index: vector checksum mismatch in %s", gen))
	}

	return &Index{meta: meta, vectors: vectors}, true, nil
}

func checkMetadata(m Metadata) error {
	switch {
	case m.FormatVersion != FormatVersion:
		return fmt.Errorf("index: unsupported format version %d", m.FormatVersion)
	case m.Dim <= 0:
		return fmt.Errorf("index: invalid dimension %d", m.Dim)
	case m.Count <= 0:
		return fmt.Errorf("index: invalid count %d", m.Count)
	case len(m.IDs) != m.Count:
		return fmt.Errorf("index: metadata lists %d ids for %d vectors", len(m.IDs), m.Count)
	}
	return nil
}

func persistErr(err error) error {
	return kperr.New(kperr.KindPersistence, kperr.StagePersist, err)
}

// lockDir takes the directory lock, exclusive for writers and shared for
// readers, and returns its release function.
func lockDir(ctx context.Context, dir string, exclusive bool) (func(), error) {
	l := flock.New(filepath.Join(dir, lockFile))
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = l.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = l.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, kperr.FromContext(ctx, kperr.StagePersist, kperr.KindPersistence,
			fmt.Errorf("index: lock %s: %w", dir, err))
	}
	if !ok {
		return nil, persistErr(fmt.Errorf("index: lock %s: not acquired", dir))
	}
	return func() { _ = l.Unlock() }, nil
}

func readCurrent(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(b))
	if !strings.HasPrefix(name, genPrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("index: malformed %s pointer %q", currentFile, name)
	}
	return name, nil
}

func writeCurrent(dir, gen string) error {
	tmp := filepath.Join(dir, currentFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("index: write pointer: %w", err)
	}
	if _, err := f.WriteString(gen + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: write pointer: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: sync pointer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("index: close pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		return fmt.Errorf("index: commit pointer: %w", err)
	}
	return syncDir(dir)
}

// nextGeneration returns a generation name above prev and above every
// gen-* directory present in dir, committed or not.
func nextGeneration(dir, prev string) (string, error) {
	n := generationNumber(prev)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("index: list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			n = max(n, generationNumber(e.Name()))
		}
	}
	return fmt.Sprintf("%s%06d", genPrefix, n+1), nil
}

// generationNumber parses gen-NNNNNN, returning 0 for anything else.
func generationNumber(name string) int {
	digits, ok := strings.CutPrefix(name, genPrefix)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// pruneGenerations removes every generation except keep. Failures are
// ignored; leftovers are retried on the next Save.
func pruneGenerations(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), genPrefix) && e.Name() != keep {
			_ = os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
}

// removeStaging deletes staging directories left by interrupted saves. The
// caller holds the exclusive lock, so none of them are in use.
func removeStaging(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
			_ = os.RemoveAll(filepath.Join(dir, e.Name()))
		}
	}
}

func writeVectors(path string, vectors []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create vectors file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := binary.Write(bw, binary.LittleEndian, vectors); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: write vectors: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: write vectors: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: sync vectors: %w", err)
	}
	return f.Close()
}

func readVectors(path string, n int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("index: stat vectors file: %w", err)
	}
	want := int64(n) * 4
	if st.Size() != want {
		return nil, fmt.Errorf("index: vectors file is %d bytes, want %d", st.Size(), want)
	}
	out := make([]float32, n)
	if err := binary.Read(bufio.NewReader(io.LimitReader(f, want)), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("index: read vectors: %w", err)
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal %s: %w", filepath.Base(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// syncDir flushes directory entries so renames survive a crash. Platforms
// that cannot sync directories are tolerated.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("index: open dir for sync: %w", err)
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

func checksum(vectors []float32) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, v := range vectors {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

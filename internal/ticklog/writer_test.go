package ticklog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"stackyard/internal/domain"
)

func readLines(t *testing.T, path string) []domain.TickRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var out []domain.TickRecord
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec domain.TickRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestTickLoggerWritesCompressedLines(t *testing.T) {
	dir := t.TempDir()
	logger := NewTickLogger(dir)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	logger.w.now = func() time.Time { return fixed }

	for tick := uint64(1); tick <= 3; tick++ {
		rec := domain.TickRecord{
			Tick:  tick,
			DT:    0.016,
			Poses: []domain.Pose{{AgentID: "car-1", Coord: domain.LaneCoord{X: int(tick), Z: 0}}},
		}
		if err := logger.WriteTick(rec); err != nil {
			t.Fatalf("write tick %d: %v", tick, err)
		}
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "ticks-2026-03-04-05.jsonl.zst")
	recs := readLines(t, path)
	if len(recs) != 3 {
		t.Fatalf("records=%d want=3", len(recs))
	}
	if recs[2].Tick != 3 || recs[2].Poses[0].Coord.X != 3 {
		t.Fatalf("last record=%+v", recs[2])
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "ticks")
	at := time.Date(2026, 3, 4, 5, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	if err := w.Write(domain.TickRecord{Tick: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(domain.TickRecord{Tick: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first := readLines(t, filepath.Join(dir, "ticks-2026-03-04-05.jsonl.zst"))
	second := readLines(t, filepath.Join(dir, "ticks-2026-03-04-06.jsonl.zst"))
	if len(first) != 1 || first[0].Tick != 1 {
		t.Fatalf("first hour=%+v", first)
	}
	if len(second) != 1 || second[0].Tick != 2 {
		t.Fatalf("second hour=%+v", second)
	}
}

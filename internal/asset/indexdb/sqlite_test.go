package indexdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIndex_RecordAndLookup(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	id := uuid.New()
	idx.RecordChunk(id, filepath.Join(dir, "chunk_"+id.String()+".rvox"), 1024)
	idx.RecordRegion(filepath.Join(dir, "region_0_0_0.rog"), 512)

	// Writes are batched in the writer goroutine; poll until visible.
	deadline := time.Now().Add(5 * time.Second)
	var path string
	var found bool
	for time.Now().Before(deadline) {
		path, found, err = idx.LookupChunk(id)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatal("chunk never indexed")
	}
	if filepath.Base(path) != "chunk_"+id.String()+".rvox" {
		t.Fatalf("indexed path %q", path)
	}

	if _, found, err := idx.LookupChunk(uuid.New()); err != nil || found {
		t.Fatalf("unknown chunk: found=%v err=%v", found, err)
	}
}

func TestIndex_ReadsInterleaveWithWrites(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	// The pool holds a single connection; a lookup after every record
	// stalls forever if the writer parks a transaction on it.
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
		idx.RecordChunk(ids[i], "chunk_"+ids[i].String()+".rvox", int64(i))
		if _, _, err := idx.LookupChunk(ids[i]); err != nil {
			t.Fatalf("lookup after record %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := idx.LookupChunk(ids[len(ids)-1]); found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, id := range ids {
		if _, found, err := idx.LookupChunk(id); err != nil || !found {
			t.Fatalf("chunk %s: found=%v err=%v", id, found, err)
		}
	}
}

func TestIndex_StatsAndList(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.RecordChunk(uuid.New(), "a.rvox", 100)
	idx.RecordChunk(uuid.New(), "b.rvox", 200)
	idx.RecordRegion("region_1_0_0.rog", 50)

	// Close drains the writer, so all records are durable afterwards.
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	counts, bytes, err := idx.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if counts[KindChunk] != 2 || counts[KindRegion] != 1 {
		t.Fatalf("counts %v", counts)
	}
	if bytes[KindChunk] != 300 || bytes[KindRegion] != 50 {
		t.Fatalf("bytes %v", bytes)
	}

	chunks, err := idx.List(KindChunk)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("listed %d chunks", len(chunks))
	}
}

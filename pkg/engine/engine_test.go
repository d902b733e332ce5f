package engine

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testOpts(t *testing.T, dir string, reload bool) Opts {
	t.Helper()
	return Opts{
		MetaDir:           filepath.Join(dir, "meta.db"),
		DataDir:           filepath.Join(dir, "blobs"),
		JournalPath:       filepath.Join(dir, "reservations.journal"),
		Blobstores:        []BlobstoreBinding{{BdevName: "data0", Core: 0}, {BdevName: "data1", Core: 1}},
		AppName:           "engine-test",
		InitBlobSize:      4,
		TotalDataClusters: 64,
		IsReload:          reload,
	}
}

func TestNewInitFreshPersistsMetadataAndReady(t *testing.T) {
	dir := t.TempDir()
	e, err := New(testOpts(t, dir, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Finish()

	if err := e.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if len(e.workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(e.workers))
	}
	if len(e.global.Blobs()) != 2 {
		t.Fatalf("got %d blobs registered, want 2 (one per worker)", len(e.global.Blobs()))
	}
}

func TestCreateWriteReadAcrossMultipleChunks(t *testing.T) {
	dir := t.TempDir()
	e, err := New(testOpts(t, dir, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Finish()

	names := []string{"alpha", "beta", "gamma", "delta"}
	for _, n := range names {
		if err := e.Create(n); err != nil {
			t.Fatalf("Create(%q): %v", n, err)
		}
	}
	for i, n := range names {
		data := bytes.Repeat([]byte{byte('A' + i)}, 5000)
		if err := e.Write(n, 0, data); err != nil {
			t.Fatalf("Write(%q): %v", n, err)
		}
	}
	for i, n := range names {
		want := bytes.Repeat([]byte{byte('A' + i)}, 5000)
		out := make([]byte, 5000)
		if err := e.Read(n, 0, out); err != nil {
			t.Fatalf("Read(%q): %v", n, err)
		}
		if !bytes.Equal(out, want) {
			t.Errorf("chunk %q: cross-contamination between chunks sharing allocator state", n)
		}
	}
}

func TestResizeGrowAndShrinkThroughEngine(t *testing.T) {
	dir := t.TempDir()
	e, err := New(testOpts(t, dir, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Finish()

	if err := e.Create("f"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Write("f", 0, []byte("seed")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Resize("f", 9000); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	size, _, err := e.Stat("f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != 9000 {
		t.Fatalf("size after grow = %d, want 9000", size)
	}

	if err := e.Resize("f", 2); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	size, _, err = e.Stat("f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != 2 {
		t.Fatalf("size after shrink = %d, want 2", size)
	}
}

func TestReloadRestoresChunksAndFreeList(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(t, dir, false)

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New (init): %v", err)
	}
	if err := e.Create("persisted"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := bytes.Repeat([]byte("p"), 6000)
	if err := e.Write("persisted", 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.UnloadBS(); err != nil {
		t.Fatalf("UnloadBS: %v", err)
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	reloadOpts := testOpts(t, dir, true)
	e2, err := New(reloadOpts)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	defer e2.Finish()

	out := make([]byte, len(data))
	if err := e2.Read("persisted", 0, out); err != nil {
		t.Fatalf("Read after reload: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("reloaded chunk content does not match what was written before Finish")
	}

	if err := e2.Create("after-reload"); err != nil {
		t.Fatalf("Create after reload: %v", err)
	}
	if err := e2.Write("after-reload", 0, []byte("fresh")); err != nil {
		t.Fatalf("Write after reload: %v", err)
	}
}

func TestNewReloadWithoutPriorMetadataFails(t *testing.T) {
	dir := t.TempDir()
	_, err := New(testOpts(t, dir, true))
	if err != ErrNoMetadata {
		t.Fatalf("expected ErrNoMetadata, got %v", err)
	}
}

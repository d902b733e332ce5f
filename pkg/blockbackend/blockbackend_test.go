package blockbackend

import (
	"bytes"
	"testing"
)

func TestCreateOpenWriteReadCloseDelete(t *testing.T) {
	bs, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id, err := bs.CreateBlob()
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	h, err := bs.OpenBlob(id)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}

	if err := bs.Resize(h, 1); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	want := AlignedPage(1)
	copy(want, []byte("hello page"))
	if err := bs.Write(h, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := bs.SyncMetadata(h); err != nil {
		t.Fatalf("SyncMetadata: %v", err)
	}

	got := AlignedPage(1)
	if err := bs.Read(h, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back data does not match written data")
	}

	if err := bs.CloseBlob(h); err != nil {
		t.Fatalf("CloseBlob: %v", err)
	}
	if err := bs.DeleteBlob(id); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if _, err := bs.OpenBlob(id); err != ErrBlobNotFound {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
}

func TestResizeRespectsClusterBudget(t *testing.T) {
	bs, _ := Open(t.TempDir(), 2)

	id, _ := bs.CreateBlob()
	h, _ := bs.OpenBlob(id)

	if err := bs.Resize(h, 2); err != nil {
		t.Fatalf("Resize to budget: %v", err)
	}
	if err := bs.Resize(h, 3); err != ErrNoSpace {
		t.Errorf("expected ErrNoSpace exceeding budget, got %v", err)
	}
}

func TestCloseFailsWithOpenBlobs(t *testing.T) {
	bs, _ := Open(t.TempDir(), 64)
	id, _ := bs.CreateBlob()
	h, _ := bs.OpenBlob(id)
	defer bs.CloseBlob(h)

	if err := bs.Close(); err != ErrBlobsStillOpen {
		t.Errorf("expected ErrBlobsStillOpen, got %v", err)
	}
}

func TestReopenBlobstoreRediscoversBlobs(t *testing.T) {
	dir := t.TempDir()
	bs, _ := Open(dir, 64)
	id, _ := bs.CreateBlob()
	h, _ := bs.OpenBlob(id)
	bs.Resize(h, 3)
	bs.CloseBlob(h)

	bs2, err := Open(dir, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h2, err := bs2.OpenBlob(id)
	if err != nil {
		t.Fatalf("OpenBlob after reopen: %v", err)
	}
	defer bs2.CloseBlob(h2)
	if bs2.usedClusters() != 3 {
		t.Errorf("expected rediscovered size 3 clusters, got %d", bs2.usedClusters())
	}
}

func TestWriteRejectsUnalignedLength(t *testing.T) {
	bs, _ := Open(t.TempDir(), 64)
	id, _ := bs.CreateBlob()
	h, _ := bs.OpenBlob(id)
	bs.Resize(h, 1)
	defer bs.CloseBlob(h)

	if err := bs.Write(h, 0, make([]byte, 10)); err == nil {
		t.Error("expected error writing a non-page-aligned length")
	}
}

func TestAlignedPagePageAligned(t *testing.T) {
	buf := AlignedPage(3)
	if len(buf) != 3*PageSize {
		t.Fatalf("len = %d, want %d", len(buf), 3*PageSize)
	}
	if sliceAddr(buf)%PageSize != 0 {
		t.Error("AlignedPage buffer is not page-aligned")
	}
}

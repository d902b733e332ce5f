package blobservice

import (
	"testing"

	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
	"github.com/madsys-dev/MadEngine/pkg/dispatcher"
)

func newTestService(t *testing.T) (*BlobService, *dispatcher.Dispatcher) {
	t.Helper()
	bs, err := blockbackend.Open(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("blockbackend.Open: %v", err)
	}
	d := dispatcher.New([]int{0}, 8)
	return New(d, 0, bs), d
}

func TestCreateOpenWriteReadClose(t *testing.T) {
	svc, d := newTestService(t)
	defer d.Stop()

	id, err := svc.CreateBlob()
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	h, err := svc.OpenBlob(id)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	if err := svc.ResizeBlob(h, 1); err != nil {
		t.Fatalf("ResizeBlob: %v", err)
	}

	want := make([]byte, svc.IOUnitSize())
	copy(want, []byte("blobservice round trip"))
	if err := svc.Write(0, h, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := svc.SyncBlob(h); err != nil {
		t.Fatalf("SyncBlob: %v", err)
	}

	got := make([]byte, svc.IOUnitSize())
	if err := svc.Read(0, h, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read back mismatch at byte %d", i)
			break
		}
	}

	if err := svc.CloseBlob(h); err != nil {
		t.Fatalf("CloseBlob: %v", err)
	}
	if err := svc.DeleteBlob(id); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
}

func TestWriteRejectsUnalignedOffset(t *testing.T) {
	svc, d := newTestService(t)
	defer d.Stop()

	id, _ := svc.CreateBlob()
	h, _ := svc.OpenBlob(id)
	svc.ResizeBlob(h, 1)
	defer svc.CloseBlob(h)

	if err := svc.Write(1, h, make([]byte, int(svc.IOUnitSize()))); err == nil {
		t.Error("expected error for unaligned offset")
	}
}

func TestUnloadFailsWithOpenBlobs(t *testing.T) {
	svc, d := newTestService(t)
	defer d.Stop()

	id, _ := svc.CreateBlob()
	h, _ := svc.OpenBlob(id)
	defer svc.CloseBlob(h)

	if err := svc.Unload(); err != blockbackend.ErrBlobsStillOpen {
		t.Errorf("expected ErrBlobsStillOpen, got %v", err)
	}
}

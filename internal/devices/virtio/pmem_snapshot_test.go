//go:build linux

package virtio

import (
	"testing"
)

// TestPmemSnapshotRoundTrip covers scenario 5: after save/restore, the
// restored device reports the same config-space start/size and the same
// first virtqueue descriptor-table address as the original.
func TestPmemSnapshotRoundTrip(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	original, file := newTestPmemDevice(t, vm, 4*1024*1024)
	defer file.Close()

	mmio := newPmemMMIOHelper(original)
	q := newPmemVirtqueueSetup(vm, pmemTestDescTableAddr, pmemTestAvailRingAddr, pmemTestUsedRingAddr, PMEM_QUEUE_SIZE)
	q.initRings()
	initializePmemDevice(t, mmio, q)

	snap, err := original.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	pmemSnap, ok := snap.(*PmemSnapshot)
	if !ok {
		t.Fatalf("unexpected snapshot type %T", snap)
	}

	restored := &Pmem{
		MMIODeviceBase: NewMMIODeviceBase(pmemSnap.MMIOBase, pmemSnap.MMIOSize, pmemSnap.IRQLine, pmemDeviceConfig),
	}
	if err := restored.Init(vm); err != nil {
		t.Fatalf("Init restored device: %v", err)
	}
	if err := restored.RestoreSnapshot(pmemSnap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	if restored.GuestAddress() != original.GuestAddress() {
		t.Errorf("guest address: got 0x%x, want 0x%x", restored.GuestAddress(), original.GuestAddress())
	}
	if restored.MappingSize() != original.MappingSize() {
		t.Errorf("mapping size: got %d, want %d", restored.MappingSize(), original.MappingSize())
	}
	if restored.DriveID() != original.DriveID() {
		t.Errorf("drive id: got %q, want %q", restored.DriveID(), original.DriveID())
	}
	if !restored.Activated() {
		t.Errorf("expected restored device to be activated, mirroring its DRIVER_OK source")
	}

	restoredDesc := restored.Device().queue(0).descAddr
	if restoredDesc != pmemTestDescTableAddr {
		t.Errorf("descriptor table address: got 0x%x, want 0x%x", restoredDesc, pmemTestDescTableAddr)
	}
}

// TestPmemSnapshotRestoreRejectsMisalignedAddress covers the restore-time
// alignment rejection: a snapshot whose guest address is not 2 MiB-aligned
// is refused rather than silently truncated or accepted.
func TestPmemSnapshotRestoreRejectsMisalignedAddress(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	original, file := newTestPmemDevice(t, vm, 4*1024*1024)
	defer file.Close()

	snap, err := original.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	pmemSnap := snap.(*PmemSnapshot)
	pmemSnap.GuestAddress += 1

	restored := &Pmem{
		MMIODeviceBase: NewMMIODeviceBase(pmemSnap.MMIOBase, pmemSnap.MMIOSize, pmemSnap.IRQLine, pmemDeviceConfig),
	}
	if err := restored.Init(vm); err != nil {
		t.Fatalf("Init restored device: %v", err)
	}

	if err := restored.RestoreSnapshot(pmemSnap); err == nil {
		t.Fatal("expected restore to reject a misaligned guest address")
	}
}

package virtio

import (
	"fmt"
	"os"

	"github.com/tinyrange/virtio-pmem/internal/hv"
)

// pmemActivatedStatusBit is the virtio DRIVER_OK status bit, the same bit
// mmio.go's writeRegister checks in its QUEUE_READY handling before calling
// Enable; a device with it set has completed feature negotiation and driver
// setup, which is what "activated" means for persistence.
const pmemActivatedStatusBit = 0x4

// PmemSnapshot is the stable on-disk representation of a Pmem device,
// field-ordered to mirror the original PmemState this persistence format
// was modeled on: virtio transport state, then drive identity, then the
// backing-file/mapping facts needed to re-establish the mapping on restore.
type PmemSnapshot struct {
	VirtioState MMIODeviceSnapshot

	DriveID         string
	RootDevice      bool
	BackingFilePath string
	GuestAddress    uint64
	MemSlot         uint32
	Shared          bool

	MMIOBase uint64
	MMIOSize uint64
	IRQLine  uint32
	Arch     hv.CpuArchitecture
}

// DeviceId implements hv.DeviceSnapshotter.
func (p *Pmem) DeviceId() string {
	return p.driveID
}

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (p *Pmem) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	dev, err := p.RequireDevice()
	if err != nil {
		return nil, err
	}
	mmio, ok := dev.(*mmioDevice)
	if !ok {
		return nil, fmt.Errorf("virtio-pmem: unexpected device transport type")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return &PmemSnapshot{
		VirtioState:     mmio.CaptureMMIOSnapshot(),
		DriveID:         p.driveID,
		RootDevice:      p.rootDevice,
		BackingFilePath: p.backingFilePath,
		GuestAddress:    p.guestAddress,
		MemSlot:         p.memSlot,
		Shared:          p.shared,
		MMIOBase:        p.Base(),
		MMIOSize:        p.Size(),
		IRQLine:         p.IRQLine(),
		Arch:            p.Arch(),
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. The caller is expected to
// have already called Init (or InitBase, via a fresh Pmem{MMIODeviceBase:
// NewMMIODeviceBase(snap.MMIOBase, snap.MMIOSize, snap.IRQLine, pmemDeviceConfig)})
// so a hypervisor handle is available to re-register the memory slot against.
//
// Unlike the source this restore protocol was modeled on, a guest_address
// that is not pmemAlignment-aligned is rejected outright here rather than
// silently accepted: a misaligned address could never have been produced
// by this module's own mapping engine, so accepting one on restore would
// only mask a corrupted or hand-edited snapshot.
func (p *Pmem) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	pmemSnap, ok := snap.(*PmemSnapshot)
	if !ok {
		return fmt.Errorf("virtio-pmem: restore: unexpected snapshot type %T", snap)
	}
	if pmemSnap.GuestAddress%pmemAlignment != 0 {
		return fmt.Errorf("virtio-pmem: restore: guest address %#x is not %d-byte aligned", pmemSnap.GuestAddress, pmemAlignment)
	}

	dev, err := p.RequireDevice()
	if err != nil {
		return fmt.Errorf("virtio-pmem: restore: %w (device must be Init'd before restoring)", err)
	}
	mmio, ok := dev.(*mmioDevice)
	if !ok {
		return fmt.Errorf("virtio-pmem: restore: unexpected device transport type")
	}
	vm := mmio.vm

	backingFile, err := os.OpenFile(pmemSnap.BackingFilePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("virtio-pmem: restore: open backing file %q: %w", pmemSnap.BackingFilePath, err)
	}

	p.driveID = pmemSnap.DriveID
	p.rootDevice = pmemSnap.RootDevice
	p.backingFilePath = pmemSnap.BackingFilePath
	p.shared = pmemSnap.Shared
	p.memSlot = pmemSnap.MemSlot

	p.RestoreBase(pmemSnap.Arch, pmemSnap.MMIOBase, pmemSnap.MMIOSize, pmemSnap.IRQLine)
	p.SyncToTransport()

	if err := p.mapBackingFile(backingFile, pmemSnap.GuestAddress); err != nil {
		return fmt.Errorf("virtio-pmem: restore: re-map backing file: %w", err)
	}

	if err := mmio.RestoreMMIOSnapshot(pmemSnap.VirtioState); err != nil {
		return fmt.Errorf("virtio-pmem: restore: restore transport state: %w", err)
	}

	// Re-publish the mapping into the hypervisor under the same slot; this
	// is not optional on restore, since the mapping above only affects this
	// process's address space, not the guest's.
	if err := p.registerMemorySlot(vm); err != nil {
		return fmt.Errorf("virtio-pmem: restore: register memory slot: %w", err)
	}

	return nil
}

// Activated reports whether the device has completed virtio feature
// negotiation and is accepting queue notifications, derived from the
// transport's own status register rather than a redundant field.
func (p *Pmem) Activated() bool {
	dev := p.Device()
	if dev == nil {
		return false
	}
	mmio, ok := dev.(*mmioDevice)
	if !ok {
		return false
	}
	return mmio.deviceStatus&pmemActivatedStatusBit != 0
}

var _ hv.DeviceSnapshotter = (*Pmem)(nil)

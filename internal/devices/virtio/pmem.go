package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/virtio-pmem/internal/debug"
	"github.com/tinyrange/virtio-pmem/internal/hv"
)

const (
	PmemDefaultMMIOBase = 0xd0004000
	PmemDefaultMMIOSize = 0x200
	PmemDefaultIRQLine  = 13
	armPmemDefaultIRQ   = 43

	// PMEM_QUEUE_SIZE is the single virtqueue's fixed ring capacity.
	PMEM_QUEUE_SIZE = 256

	pmemQueueCount  = 1
	pmemQueueFlush  = 0
	pmemVendorID    = 0x554d4551 // "QEMU"
	pmemVersion     = 2
	pmemDeviceIDVal = 27 // virtio well-known type id for pmem (TYPE_PMEM)

	// pmemStatusOK is the 4-byte success status written into the status
	// descriptor of every processed flush request.
	pmemStatusOK = uint32(0)
)

// pmemDeviceConfig is the shared configuration for virtio-pmem devices.
var pmemDeviceConfig = &MMIODeviceConfig{
	DefaultMMIOBase:   PmemDefaultMMIOBase,
	DefaultMMIOSize:   PmemDefaultMMIOSize,
	DefaultIRQLine:    PmemDefaultIRQLine,
	ArmDefaultIRQLine: armPmemDefaultIRQ,
	DeviceID:          pmemDeviceIDVal,
	VendorID:          pmemVendorID,
	Version:           pmemVersion,
	QueueCount:        pmemQueueCount,
	QueueMaxSize:      PMEM_QUEUE_SIZE,
	FeatureBits:       []uint64{virtioFeatureVersion1},
	DeviceName:        "virtio-pmem",
}

// PmemDeviceConfig returns the shared configuration for virtio-pmem devices.
func PmemDeviceConfig() *MMIODeviceConfig {
	return pmemDeviceConfig
}

// PmemTemplate is the template for creating virtio-pmem devices, either via
// the dynamic bus slot constructor (NewPmemForBusSlot) or the generic
// hv.DeviceTemplate contract (Create).
type PmemTemplate struct {
	MMIODeviceTemplateBase

	// DriveID uniquely identifies this device within the VMM.
	DriveID string
	// BackingFile is the already-opened, read-write backing file.
	BackingFile *os.File
	// BackingFilePath is recorded for persistence and re-opened on restore.
	BackingFilePath string
	// RootDevice is a hint passed to the guest bootloader; it does not
	// affect device semantics.
	RootDevice bool
	// Shared selects shared (MAP_SHARED) vs private (MAP_PRIVATE) mapping
	// semantics for the backing file overlay.
	Shared bool
	// GuestAddress, if non-zero, pins the guest-physical base address of
	// the mapping; otherwise a separate 2 MiB-aligned range of the mapping's
	// size is allocated from the VM via AllocateMMIO.
	GuestAddress uint64
	// MemSlot is the hypervisor memory-slot index to register the mapping
	// under. Builder-assigned, stable across snapshot/restore.
	MemSlot uint32
}

// NewPmemTemplate creates a PmemTemplate with proper configuration.
func NewPmemTemplate(driveID string, file *os.File, backingFilePath string, rootDevice, shared bool) PmemTemplate {
	return PmemTemplate{
		MMIODeviceTemplateBase: MMIODeviceTemplateBase{Config: pmemDeviceConfig},
		DriveID:                driveID,
		BackingFile:            file,
		BackingFilePath:        backingFilePath,
		RootDevice:             rootDevice,
		Shared:                 shared,
	}
}

// Create implements hv.DeviceTemplate, following the same dynamic
// MMIO-allocation pattern the bus-slot constructor uses, for devices
// attached outside of a fixed MMIO bus.
func (t PmemTemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	config := t.Config
	if config == nil {
		config = pmemDeviceConfig
	}

	arch := t.ArchOrDefault(vm)
	irqLine := t.IRQLineForArch(arch)
	encodedLine := EncodeIRQLineForArch(arch, irqLine)

	mmioBase := config.DefaultMMIOBase
	if vm != nil {
		alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name:      config.DeviceName,
			Size:      config.DefaultMMIOSize,
			Alignment: 0x1000,
		})
		if err != nil {
			return nil, fmt.Errorf("virtio-pmem: allocate MMIO: %w", err)
		}
		mmioBase = alloc.Base
	}

	memSlot := t.MemSlot
	if memSlot == 0 {
		memSlot = pmemMemSlotsStart
	}

	pmem := &Pmem{
		MMIODeviceBase: NewMMIODeviceBase(
			mmioBase,
			config.DefaultMMIOSize,
			encodedLine,
			config,
		),
		driveID:         t.DriveID,
		backingFilePath: t.BackingFilePath,
		rootDevice:      t.RootDevice,
		shared:          t.Shared,
		memSlot:         memSlot,
	}

	guestAddress := t.GuestAddress
	if guestAddress == 0 {
		mappingSize, err := pmemFileMappingSize(t.BackingFile)
		if err != nil {
			return nil, err
		}
		if vm == nil {
			return nil, fmt.Errorf("virtio-pmem: cannot allocate a guest address without a virtual machine")
		}
		alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name:      config.DeviceName + "-mem-" + t.DriveID,
			Size:      mappingSize,
			Alignment: pmemAlignment,
		})
		if err != nil {
			return nil, fmt.Errorf("virtio-pmem: allocate guest memory range: %w", err)
		}
		guestAddress = alloc.Base
	}

	if err := pmem.mapBackingFile(t.BackingFile, guestAddress); err != nil {
		return nil, fmt.Errorf("virtio-pmem: map backing file: %w", err)
	}
	if err := pmem.InitBase(vm, pmem); err != nil {
		return nil, fmt.Errorf("virtio-pmem: initialize device: %w", err)
	}
	if err := pmem.registerMemorySlot(vm); err != nil {
		return nil, fmt.Errorf("virtio-pmem: register memory slot: %w", err)
	}

	return pmem, nil
}

var (
	_ hv.DeviceTemplate = PmemTemplate{}
	_ VirtioMMIODevice  = PmemTemplate{}
)

// Pmem implements a virtio-pmem device: a byte-addressable persistent
// memory region backed by a host file, exposed to the guest through a
// two-field config space and a single flush virtqueue.
type Pmem struct {
	MMIODeviceBase

	mu sync.Mutex

	driveID         string
	backingFile     *os.File
	backingFilePath string
	backingFileSize uint64
	rootDevice      bool
	shared          bool

	memSlot         uint32
	guestAddress    uint64
	mappingSize     uint64
	hostMappingAddr uintptr
}

// Init implements hv.MemoryMappedIODevice.
func (p *Pmem) Init(vm hv.VirtualMachine) error {
	if p.Device() == nil {
		return p.InitBase(vm, p)
	}
	if mmio, ok := p.Device().(*mmioDevice); ok && vm != nil {
		mmio.vm = vm
	}
	return nil
}

// Stop implements Stoppable. The mapping is released by process exit, per
// the device record's lifecycle note in the data model.
func (p *Pmem) Stop() error {
	return nil
}

// DriveID returns the device's unique identifier.
func (p *Pmem) DriveID() string {
	return p.driveID
}

// RootDevice always reports false. The root-device hint supplied at
// creation time is kept in the device and its snapshot but is not
// returned here, mirroring the asymmetry already present in the source this behavior was
// ported from (see DESIGN.md's Open Question decisions).
func (p *Pmem) RootDevice() bool {
	return false
}

// BackingFilePath returns the path the backing file was opened from.
func (p *Pmem) BackingFilePath() string {
	return p.backingFilePath
}

// Shared reports the sharing discipline used for the mapping.
func (p *Pmem) Shared() bool {
	return p.shared
}

// MemSlot returns the hypervisor memory-slot index this device claims.
func (p *Pmem) MemSlot() uint32 {
	return p.memSlot
}

// GuestAddress returns the guest-physical base of the mapped region.
func (p *Pmem) GuestAddress() uint64 {
	return p.guestAddress
}

// MappingSize returns the mapping size (backing_file_size rounded up to
// pmemAlignment).
func (p *Pmem) MappingSize() uint64 {
	return p.mappingSize
}

// OnReset implements deviceHandler. Reset is not supported for pmem in this
// core: a guest-initiated reset simply re-zeroes the generic virtio
// transport state (queues, feature negotiation); the mapping and memory
// slot registration are untouched, since those only change across a full
// destroy-and-recreate via the Builder.
func (p *Pmem) OnReset(device) {}

// OnQueueNotify implements deviceHandler.
func (p *Pmem) OnQueueNotify(ctx hv.ExitContext, dev device, queueIdx int) error {
	debug.Writef("virtio-pmem.OnQueueNotify", "drive=%s queue=%d", p.driveID, queueIdx)
	if queueIdx != pmemQueueFlush {
		return nil
	}
	return p.processFlushQueue(dev, dev.queue(queueIdx))
}

// ReadConfig implements deviceHandler: a fixed 16-byte little-endian
// {start, size} view, read-only.
func (p *Pmem) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, p.configBytes())
}

// WriteConfig implements deviceHandler. Pmem config space is read-only;
// writes are accepted and silently discarded.
func (p *Pmem) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

func (p *Pmem) processFlushQueue(dev device, q *queue) error {
	processed, err := ProcessQueueNotifications(dev, q, p.processFlushRequest)
	if err != nil {
		// Per the Virtqueue Service contract: log and terminate this
		// notification's processing. The queue is not reset; the next
		// kick retries from the current (unadvanced) head.
		slog.Error("virtio-pmem: flush request processing aborted", "drive", p.driveID, "err", err)
		return nil
	}
	if ShouldRaiseInterrupt(dev, q, processed) {
		if err := dev.raiseInterrupt(VIRTIO_MMIO_INT_VRING); err != nil {
			slog.Error("virtio-pmem: raise interrupt failed", "drive", p.driveID, "err", err)
		}
	}
	return nil
}

// processFlushRequest handles a single flush request: a two-descriptor
// chain of a read-only request header followed by a guest-writable status
// descriptor. The header's opcode is never inspected, since flush is the
// only opcode defined; a 4-byte all-zero success status is always written.
func (p *Pmem) processFlushRequest(dev device, q *queue, head uint16) (uint32, error) {
	hdrDesc, err := dev.readDescriptor(q, head)
	if err != nil {
		return 0, fmt.Errorf("virtio-pmem: read header descriptor: %w", err)
	}
	if hdrDesc.flags&virtqDescFWrite != 0 {
		return 0, fmt.Errorf("virtio-pmem: header descriptor is unexpectedly writable")
	}
	if hdrDesc.flags&virtqDescFNext == 0 {
		return 0, fmt.Errorf("virtio-pmem: descriptor chain too short (no status descriptor)")
	}

	statusDesc, err := dev.readDescriptor(q, hdrDesc.next)
	if err != nil {
		return 0, fmt.Errorf("virtio-pmem: read status descriptor: %w", err)
	}
	if statusDesc.flags&virtqDescFWrite == 0 {
		return 0, fmt.Errorf("virtio-pmem: status descriptor is unexpectedly read-only")
	}
	if statusDesc.length < 4 {
		return 0, fmt.Errorf("virtio-pmem: status descriptor too short: %d bytes", statusDesc.length)
	}

	var statusBytes [4]byte
	binary.LittleEndian.PutUint32(statusBytes[:], pmemStatusOK)
	if err := dev.writeGuest(statusDesc.addr, statusBytes[:]); err != nil {
		return 0, fmt.Errorf("virtio-pmem: write status: %w", err)
	}

	return 4, nil
}

// configBytes serializes the 16-byte {start, size} config space.
func (p *Pmem) configBytes() []byte {
	p.mu.Lock()
	start := p.guestAddress
	size := p.mappingSize
	p.mu.Unlock()

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], start)
	binary.LittleEndian.PutUint64(buf[8:16], size)
	return buf[:]
}

var (
	_ hv.MemoryMappedIODevice = (*Pmem)(nil)
	_ deviceHandler           = (*Pmem)(nil)
	_ Stoppable               = (*Pmem)(nil)
)

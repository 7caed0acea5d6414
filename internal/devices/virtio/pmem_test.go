//go:build linux

package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/tinyrange/virtio-pmem/internal/hv"
	"github.com/tinyrange/virtio-pmem/internal/timeslice"
)

// pmemTestVM implements a minimal hv.VirtualMachine for pmem testing, backed
// by a flat guest-memory slice plus a trivial bump allocator standing in for
// a real hv.AddressSpace.
type pmemTestVM struct {
	memory []byte
	irqs   map[uint32]bool
	slots  map[uint32]registeredSlot
	mu     sync.Mutex

	nextMMIOBase uint64
}

type registeredSlot struct {
	guestPhysAddr uint64
	size          uint64
	hostAddr      uintptr
	flags         uint32
}

func newPmemTestVM(memorySize int) *pmemTestVM {
	return &pmemTestVM{
		memory:       make([]byte, memorySize),
		irqs:         make(map[uint32]bool),
		slots:        make(map[uint32]registeredSlot),
		nextMMIOBase: 0x40000000,
	}
}

func (vm *pmemTestVM) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("read out of bounds: offset=%d len=%d memsize=%d", off, len(p), len(vm.memory))
	}
	copy(p, vm.memory[off:off+int64(len(p))])
	return len(p), nil
}

func (vm *pmemTestVM) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(vm.memory) {
		return 0, fmt.Errorf("write out of bounds: offset=%d len=%d memsize=%d", off, len(p), len(vm.memory))
	}
	copy(vm.memory[off:], p)
	return len(p), nil
}

func (vm *pmemTestVM) SetIRQ(line uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.irqs[line] = level
	return nil
}

func (vm *pmemTestVM) GetIRQ(line uint32) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.irqs[line]
}

func (vm *pmemTestVM) RegisterMemorySlot(slot uint32, guestPhysAddr, size uint64, hostAddr uintptr, flags uint32) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.slots[slot] = registeredSlot{guestPhysAddr: guestPhysAddr, size: size, hostAddr: hostAddr, flags: flags}
	return nil
}

func (vm *pmemTestVM) Close() error              { return nil }
func (vm *pmemTestVM) Hypervisor() hv.Hypervisor { return nil }
func (vm *pmemTestVM) MemorySize() uint64        { return uint64(len(vm.memory)) }
func (vm *pmemTestVM) MemoryBase() uint64        { return 0 }
func (vm *pmemTestVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }
func (vm *pmemTestVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return nil
}
func (vm *pmemTestVM) AddDevice(dev hv.Device) error { return nil }
func (vm *pmemTestVM) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	return nil
}
func (vm *pmemTestVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("not implemented")
}

// AllocateMMIO hands back sequential, alignment-respecting guest-physical
// ranges from a private counter, mirroring hv.AddressSpace.Allocate closely
// enough for test purposes without pulling in a real AddressSpace.
func (vm *pmemTestVM) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	align := req.Alignment
	if align == 0 {
		align = 1
	}
	base := (vm.nextMMIOBase + align - 1) &^ (align - 1)
	vm.nextMMIOBase = base + req.Size
	return hv.MMIOAllocation{Name: req.Name, Base: base, Size: req.Size}, nil
}

func (vm *pmemTestVM) CaptureSnapshot() (hv.Snapshot, error)  { return nil, nil }
func (vm *pmemTestVM) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ hv.VirtualMachine = (*pmemTestVM)(nil)
var _ hv.MemorySlotRegistrar = (*pmemTestVM)(nil)

type pmemTestExitContext struct{}

func (m pmemTestExitContext) SetExitTimeslice(kind timeslice.TimesliceID) {}

var _ hv.ExitContext = pmemTestExitContext{}

const (
	pmemTestMemorySize    = 16 * 1024 * 1024
	pmemTestDescTableAddr = 0x100000
	pmemTestAvailRingAddr = 0x101000
	pmemTestUsedRingAddr  = 0x102000
	pmemTestBufferAddr    = 0x200000
)

type pmemMMIOHelper struct {
	pmem *Pmem
	ctx  hv.ExitContext
}

func newPmemMMIOHelper(pmem *Pmem) *pmemMMIOHelper {
	return &pmemMMIOHelper{pmem: pmem, ctx: pmemTestExitContext{}}
}

func (h *pmemMMIOHelper) readReg(offset uint64) uint32 {
	data := make([]byte, 4)
	if err := h.pmem.ReadMMIO(h.ctx, h.pmem.Base()+offset, data); err != nil {
		panic(fmt.Sprintf("readReg failed: %v", err))
	}
	return binary.LittleEndian.Uint32(data)
}

func (h *pmemMMIOHelper) writeReg(offset uint64, value uint32) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	if err := h.pmem.WriteMMIO(h.ctx, h.pmem.Base()+offset, data); err != nil {
		panic(fmt.Sprintf("writeReg failed: %v", err))
	}
}

type pmemVirtqueueSetup struct {
	vm            *pmemTestVM
	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64
	queueSize     uint16
	nextDescIdx   uint16
	availIdx      uint16
}

func newPmemVirtqueueSetup(vm *pmemTestVM, descTable, availRing, usedRing uint64, size uint16) *pmemVirtqueueSetup {
	return &pmemVirtqueueSetup{vm: vm, descTableAddr: descTable, availRingAddr: availRing, usedRingAddr: usedRing, queueSize: size}
}

func (vq *pmemVirtqueueSetup) writeUint16(addr uint64, val uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	vq.vm.WriteAt(buf[:], int64(addr))
}

func (vq *pmemVirtqueueSetup) writeUint32(addr uint64, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	vq.vm.WriteAt(buf[:], int64(addr))
}

func (vq *pmemVirtqueueSetup) writeUint64(addr uint64, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	vq.vm.WriteAt(buf[:], int64(addr))
}

func (vq *pmemVirtqueueSetup) readUint16(addr uint64) uint16 {
	var buf [2]byte
	vq.vm.ReadAt(buf[:], int64(addr))
	return binary.LittleEndian.Uint16(buf[:])
}

func (vq *pmemVirtqueueSetup) readUint32(addr uint64) uint32 {
	var buf [4]byte
	vq.vm.ReadAt(buf[:], int64(addr))
	return binary.LittleEndian.Uint32(buf[:])
}

func (vq *pmemVirtqueueSetup) initRings() {
	vq.writeUint16(vq.availRingAddr, 0)
	vq.writeUint16(vq.availRingAddr+2, 0)
	vq.writeUint16(vq.usedRingAddr, 0)
	vq.writeUint16(vq.usedRingAddr+2, 0)
}

func (vq *pmemVirtqueueSetup) writeDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	base := vq.descTableAddr + uint64(idx)*16
	vq.writeUint64(base, addr)
	vq.writeUint32(base+8, length)
	vq.writeUint16(base+12, flags)
	vq.writeUint16(base+14, next)
}

func (vq *pmemVirtqueueSetup) allocDescriptor(addr uint64, length uint32, flags uint16) uint16 {
	idx := vq.nextDescIdx
	vq.nextDescIdx++
	vq.writeDescriptor(idx, addr, length, flags, 0)
	return idx
}

func (vq *pmemVirtqueueSetup) addAvailableBuffer(descIdx uint16) {
	ringAddr := vq.availRingAddr + 4 + uint64(vq.availIdx%vq.queueSize)*2
	vq.writeUint16(ringAddr, descIdx)
	vq.availIdx++
	vq.writeUint16(vq.availRingAddr+2, vq.availIdx)
}

func (vq *pmemVirtqueueSetup) getUsedIdx() uint16 {
	return vq.readUint16(vq.usedRingAddr + 2)
}

func (vq *pmemVirtqueueSetup) getUsedEntry(idx uint16) (head uint32, length uint32) {
	base := vq.usedRingAddr + 4 + uint64(idx%vq.queueSize)*8
	return vq.readUint32(base), vq.readUint32(base + 4)
}

func (vq *pmemVirtqueueSetup) writeBuffer(addr uint64, data []byte) {
	vq.vm.WriteAt(data, int64(addr))
}

func (vq *pmemVirtqueueSetup) readBuffer(addr uint64, length uint32) []byte {
	buf := make([]byte, length)
	vq.vm.ReadAt(buf, int64(addr))
	return buf
}

// initializePmemDevice drives a Pmem device's MMIO registers through the
// standard virtio handshake (reset, ACKNOWLEDGE, DRIVER, feature negotiation,
// queue 0 setup, DRIVER_OK), the same sequence a guest driver runs.
func initializePmemDevice(t *testing.T, mmio *pmemMMIOHelper, q *pmemVirtqueueSetup) {
	t.Helper()

	magic := mmio.readReg(VIRTIO_MMIO_MAGIC_VALUE)
	if magic != 0x74726976 {
		t.Fatalf("magic value: got 0x%x, want 0x74726976", magic)
	}
	version := mmio.readReg(VIRTIO_MMIO_VERSION)
	if version != 2 {
		t.Fatalf("version: got %d, want 2", version)
	}
	deviceID := mmio.readReg(VIRTIO_MMIO_DEVICE_ID)
	if deviceID != pmemDeviceIDVal {
		t.Fatalf("device ID: got %d, want %d", deviceID, pmemDeviceIDVal)
	}

	mmio.writeReg(VIRTIO_MMIO_STATUS, 0)
	mmio.writeReg(VIRTIO_MMIO_STATUS, 1)
	mmio.writeReg(VIRTIO_MMIO_STATUS, 1|2)

	mmio.writeReg(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	featuresLow := mmio.readReg(VIRTIO_MMIO_DEVICE_FEATURES)
	mmio.writeReg(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	featuresHigh := mmio.readReg(VIRTIO_MMIO_DEVICE_FEATURES)

	mmio.writeReg(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	mmio.writeReg(VIRTIO_MMIO_DRIVER_FEATURES, featuresLow)
	mmio.writeReg(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	mmio.writeReg(VIRTIO_MMIO_DRIVER_FEATURES, featuresHigh)

	mmio.writeReg(VIRTIO_MMIO_STATUS, 1|2|8)

	mmio.writeReg(VIRTIO_MMIO_QUEUE_SEL, 0)
	maxSize := mmio.readReg(VIRTIO_MMIO_QUEUE_NUM_MAX)
	if maxSize == 0 {
		t.Fatal("queue 0 max size is 0")
	}
	mmio.writeReg(VIRTIO_MMIO_QUEUE_NUM, uint32(q.queueSize))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(q.descTableAddr))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(q.descTableAddr>>32))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(q.availRingAddr))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(q.availRingAddr>>32))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_USED_LOW, uint32(q.usedRingAddr))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(q.usedRingAddr>>32))
	mmio.writeReg(VIRTIO_MMIO_QUEUE_READY, 1)

	mmio.writeReg(VIRTIO_MMIO_STATUS, 1|2|4|8)

	// Acknowledge the config-change interrupt raised by feature negotiation,
	// so later IRQ checks see only interrupts raised by queue processing.
	mmio.writeReg(VIRTIO_MMIO_INTERRUPT_ACK, mmio.readReg(VIRTIO_MMIO_INTERRUPT_STATUS))
}

// newTestPmemDevice creates a backing file of the given size, maps it at a
// freshly allocated guest address via the real PmemTemplate.Create path, and
// returns the live device alongside its backing file (closed by the caller).
func newTestPmemDevice(t *testing.T, vm *pmemTestVM, size int64) (*Pmem, *os.File) {
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), "pmem-backing-*")
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := file.Truncate(size); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}

	template := NewPmemTemplate("rootfs", file, file.Name(), true, false)
	dev, err := template.Create(vm)
	if err != nil {
		t.Fatalf("create pmem device: %v", err)
	}
	pmem, ok := dev.(*Pmem)
	if !ok {
		t.Fatalf("unexpected device type %T", dev)
	}
	return pmem, file
}

func TestPmemMMIODeviceIdentification(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	pmem, file := newTestPmemDevice(t, vm, 4*1024*1024)
	defer file.Close()

	mmio := newPmemMMIOHelper(pmem)

	if got := mmio.readReg(VIRTIO_MMIO_MAGIC_VALUE); got != 0x74726976 {
		t.Errorf("magic value: got 0x%x, want 0x74726976", got)
	}
	if got := mmio.readReg(VIRTIO_MMIO_VERSION); got != 2 {
		t.Errorf("version: got %d, want 2", got)
	}
	if got := mmio.readReg(VIRTIO_MMIO_DEVICE_ID); got != pmemDeviceIDVal {
		t.Errorf("device ID: got %d, want %d", got, pmemDeviceIDVal)
	}
	if got := mmio.readReg(VIRTIO_MMIO_VENDOR_ID); got != pmemVendorID {
		t.Errorf("vendor ID: got 0x%x, want 0x%x", got, pmemVendorID)
	}
}

// TestPmemConfigSpaceReflectsMapping covers scenario 1: config space read
// back after device creation reports the actual guest address and the
// 2 MiB-aligned mapping size, not the raw backing-file size.
func TestPmemConfigSpaceReflectsMapping(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	pmem, file := newTestPmemDevice(t, vm, 1*1024*1024) // rounds up to 2 MiB
	defer file.Close()

	mmio := newPmemMMIOHelper(pmem)

	configStartLow := mmio.readReg(VIRTIO_MMIO_CONFIG)
	configStartHigh := mmio.readReg(VIRTIO_MMIO_CONFIG + 4)
	gotStart := uint64(configStartHigh)<<32 | uint64(configStartLow)
	if gotStart != pmem.GuestAddress() {
		t.Errorf("config start: got 0x%x, want 0x%x", gotStart, pmem.GuestAddress())
	}

	configSizeLow := mmio.readReg(VIRTIO_MMIO_CONFIG + 8)
	configSizeHigh := mmio.readReg(VIRTIO_MMIO_CONFIG + 12)
	gotSize := uint64(configSizeHigh)<<32 | uint64(configSizeLow)
	if gotSize != 2*1024*1024 {
		t.Errorf("config size: got %d, want %d", gotSize, 2*1024*1024)
	}
	if pmem.MappingSize() != 2*1024*1024 {
		t.Errorf("mapping size: got %d, want %d", pmem.MappingSize(), 2*1024*1024)
	}
}

// TestPmemFlushCompletes covers scenario 2: a well-formed two-descriptor
// flush request completes, advancing the used ring and raising an
// interrupt.
func TestPmemFlushCompletes(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	pmem, file := newTestPmemDevice(t, vm, 4*1024*1024)
	defer file.Close()

	mmio := newPmemMMIOHelper(pmem)
	q := newPmemVirtqueueSetup(vm, pmemTestDescTableAddr, pmemTestAvailRingAddr, pmemTestUsedRingAddr, PMEM_QUEUE_SIZE)
	q.initRings()
	initializePmemDevice(t, mmio, q)

	headerAddr := uint64(pmemTestBufferAddr)
	statusAddr := uint64(pmemTestBufferAddr + 0x1000)

	q.writeBuffer(headerAddr, make([]byte, 8))
	statusIdx := q.allocDescriptor(statusAddr, 4, virtqDescFWrite)
	headerIdx := q.allocDescriptor(headerAddr, 8, virtqDescFNext)
	q.writeDescriptor(headerIdx, headerAddr, 8, virtqDescFNext, statusIdx)

	q.addAvailableBuffer(headerIdx)

	mmio.writeReg(VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	usedIdx := q.getUsedIdx()
	if usedIdx != 1 {
		t.Fatalf("used idx: got %d, want 1", usedIdx)
	}
	gotHead, gotLen := q.getUsedEntry(0)
	if gotHead != uint32(headerIdx) {
		t.Errorf("used entry head: got %d, want %d", gotHead, headerIdx)
	}
	if gotLen != 4 {
		t.Errorf("used entry length: got %d, want 4", gotLen)
	}

	status := q.readBuffer(statusAddr, 4)
	if binary.LittleEndian.Uint32(status) != pmemStatusOK {
		t.Errorf("status bytes: got %v, want all-zero success", status)
	}

	if !vm.GetIRQ(pmem.IRQLine()) {
		t.Errorf("expected interrupt to be raised on irq line %d", pmem.IRQLine())
	}
}

// TestPmemFlushShortChainDropped covers scenario 3: a malformed one-
// descriptor chain (no status descriptor) is dropped without advancing the
// used ring or raising an interrupt, and the queue is left in a state where
// the next notification retries from the same head.
func TestPmemFlushShortChainDropped(t *testing.T) {
	vm := newPmemTestVM(pmemTestMemorySize)
	pmem, file := newTestPmemDevice(t, vm, 4*1024*1024)
	defer file.Close()

	mmio := newPmemMMIOHelper(pmem)
	q := newPmemVirtqueueSetup(vm, pmemTestDescTableAddr, pmemTestAvailRingAddr, pmemTestUsedRingAddr, PMEM_QUEUE_SIZE)
	q.initRings()
	initializePmemDevice(t, mmio, q)

	headerAddr := uint64(pmemTestBufferAddr)
	q.writeBuffer(headerAddr, make([]byte, 8))
	headerIdx := q.allocDescriptor(headerAddr, 8, 0) // no NEXT flag: chain ends here

	q.addAvailableBuffer(headerIdx)

	mmio.writeReg(VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	if usedIdx := q.getUsedIdx(); usedIdx != 0 {
		t.Errorf("used idx: got %d, want 0 (dropped request must not advance the ring)", usedIdx)
	}
	if vm.GetIRQ(pmem.IRQLine()) {
		t.Errorf("interrupt must not be raised for a dropped request")
	}
	if got := pmem.Device().queue(0).lastAvailIdx; got != 0 {
		t.Errorf("last avail idx: got %d, want 0 (next notification must retry the same head)", got)
	}
}

package virtio

import (
	"fmt"

	"github.com/tinyrange/virtio-pmem/internal/hv"
)

// VirtioMMIOBus manages a contiguous region of virtio MMIO slots.
// Empty slots return magic=0 to indicate no device present.
// This allows guest OSes to scan for virtio devices without causing
// MMIO faults on empty slots.
type VirtioMMIOBus struct {
	vm        hv.VirtualMachine
	baseAddr  uint64
	slotSize  uint64
	slotCount int
	devices   []hv.MemoryMappedIODevice // slot index -> device (nil = empty)
}

// NewVirtioMMIOBus creates a new VirtioMMIOBus with the given parameters.
// baseAddr is the starting address (e.g., 0x0a000000)
// slotSize is the size of each slot (typically 0x200 for virtio-mmio)
// slotCount is the number of slots to manage
func NewVirtioMMIOBus(baseAddr, slotSize uint64, slotCount int) *VirtioMMIOBus {
	return &VirtioMMIOBus{
		baseAddr:  baseAddr,
		slotSize:  slotSize,
		slotCount: slotCount,
		devices:   make([]hv.MemoryMappedIODevice, slotCount),
	}
}

// AttachDevice attaches a virtio device to a specific slot.
// The device's MMIO base address should match the slot's address.
func (b *VirtioMMIOBus) AttachDevice(slot int, dev hv.MemoryMappedIODevice) {
	if slot >= 0 && slot < b.slotCount {
		b.devices[slot] = dev
	}
}

// SlotAddress returns the MMIO base address for a given slot.
func (b *VirtioMMIOBus) SlotAddress(slot int) uint64 {
	return b.baseAddr + uint64(slot)*b.slotSize
}

// Init implements hv.Device.
func (b *VirtioMMIOBus) Init(vm hv.VirtualMachine) error {
	b.vm = vm
	// Initialize any attached devices
	for _, dev := range b.devices {
		if dev != nil {
			if err := dev.Init(vm); err != nil {
				return err
			}
		}
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
// Returns a single region covering all slots.
func (b *VirtioMMIOBus) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{
		Address: b.baseAddr,
		Size:    b.slotSize * uint64(b.slotCount),
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
// Dispatches to the appropriate device or returns 0 for empty slots.
func (b *VirtioMMIOBus) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	slot := int((addr - b.baseAddr) / b.slotSize)
	offset := (addr - b.baseAddr) % b.slotSize

	// Bounds check
	if slot < 0 || slot >= b.slotCount {
		// Out of bounds - return 0
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	dev := b.devices[slot]
	if dev == nil {
		// Empty slot - return 0 for all reads
		// This tells the guest there's no device here (magic = 0)
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	// Dispatch to the device using the device's base address + offset
	slotBase := b.SlotAddress(slot)
	return dev.ReadMMIO(ctx, slotBase+offset, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
// Dispatches to the appropriate device or ignores writes to empty slots.
func (b *VirtioMMIOBus) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	slot := int((addr - b.baseAddr) / b.slotSize)
	offset := (addr - b.baseAddr) % b.slotSize

	// Bounds check
	if slot < 0 || slot >= b.slotCount {
		// Out of bounds - ignore
		return nil
	}

	dev := b.devices[slot]
	if dev == nil {
		// Empty slot - ignore writes
		return nil
	}

	// Dispatch to the device using the device's base address + offset
	slotBase := b.SlotAddress(slot)
	return dev.WriteMMIO(ctx, slotBase+offset, data)
}

var _ hv.MemoryMappedIODevice = (*VirtioMMIOBus)(nil)

// EncodeIRQLineForArch returns the hypervisor-specific IRQ line encoding. On
// arm64 we embed the SPI type in the high bits as expected by KVM/WHP; on other
// architectures the line is returned unchanged.
func EncodeIRQLineForArch(arch hv.CpuArchitecture, irqLine uint32) uint32 {
	if arch != hv.ArchitectureARM64 {
		return irqLine
	}
	const (
		armKVMIRQTypeShift = 24
		armKVMIRQTypeSPI   = 1
	)
	return (armKVMIRQTypeSPI << armKVMIRQTypeShift) | (irqLine & 0xFFFF)
}

// NewPmemForBusSlot creates a virtio-pmem device configured for a specific bus slot.
// The device's virtio-mmio transport registers live at slotBase; the pmem
// region itself is a separate guest-physical range, either pinned via
// template.GuestAddress or carved out of the VM's address space above RAM.
func NewPmemForBusSlot(vm hv.VirtualMachine, slotBase uint64, irqLine uint32, template PmemTemplate) (*Pmem, error) {
	arch := hv.ArchitectureARM64
	if vm != nil && vm.Hypervisor() != nil {
		arch = vm.Hypervisor().Architecture()
	}

	encodedLine := EncodeIRQLineForArch(arch, irqLine)
	config := pmemDeviceConfig

	memSlot := template.MemSlot
	if memSlot == 0 {
		memSlot = pmemMemSlotsStart
	}

	pmem := &Pmem{
		MMIODeviceBase: NewMMIODeviceBase(
			slotBase,
			config.DefaultMMIOSize,
			encodedLine,
			config,
		),
		driveID:         template.DriveID,
		backingFilePath: template.BackingFilePath,
		rootDevice:      template.RootDevice,
		shared:          template.Shared,
		memSlot:         memSlot,
	}

	guestAddress := template.GuestAddress
	if guestAddress == 0 {
		mappingSize, err := pmemFileMappingSize(template.BackingFile)
		if err != nil {
			return nil, err
		}
		if vm == nil {
			return nil, fmt.Errorf("virtio-pmem: cannot allocate a guest address without a virtual machine")
		}
		alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name:      config.DeviceName + "-mem-" + template.DriveID,
			Size:      mappingSize,
			Alignment: pmemAlignment,
		})
		if err != nil {
			return nil, fmt.Errorf("virtio-pmem: allocate guest memory range: %w", err)
		}
		guestAddress = alloc.Base
	}

	if err := pmem.mapBackingFile(template.BackingFile, guestAddress); err != nil {
		return nil, err
	}

	if err := pmem.InitBase(vm, pmem); err != nil {
		return nil, err
	}
	if err := pmem.registerMemorySlot(vm); err != nil {
		return nil, err
	}

	return pmem, nil
}

// Standard virtio MMIO bus configuration.
const (
	// VirtioMMIOBusBase is the standard base address for virtio MMIO devices.
	VirtioMMIOBusBase = 0x0a000000

	// VirtioMMIOSlotSize is the standard size of each virtio MMIO slot.
	VirtioMMIOSlotSize = 0x200

	// VirtioMMIOSlotCount is the standard number of virtio MMIO slots.
	VirtioMMIOSlotCount = 32

	// VirtioMMIOBusIRQBase is the base IRQ for virtio MMIO devices (SPI 48).
	VirtioMMIOBusIRQBase = 48
)

// EmptySlotDevice is a minimal standalone device that returns magic=0 for an
// empty slot. VirtioMMIOBus does not use it: the bus answers reads of its
// empty slots itself.
type EmptySlotDevice struct {
	base uint64
	size uint64
}

// NewEmptySlotDevice creates an empty slot device at the given address.
func NewEmptySlotDevice(base, size uint64) *EmptySlotDevice {
	return &EmptySlotDevice{base: base, size: size}
}

// Init implements hv.Device.
func (d *EmptySlotDevice) Init(vm hv.VirtualMachine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *EmptySlotDevice) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *EmptySlotDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	// Return 0 for all reads - magic=0 means no device
	for i := range data {
		data[i] = 0
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *EmptySlotDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	// Ignore all writes to empty slots
	return nil
}

var _ hv.MemoryMappedIODevice = (*EmptySlotDevice)(nil)

//go:build linux

package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtio-pmem/internal/hv"
)

// pmemAlignment is the required alignment for both mapping_size and
// guest_address, imposed by the hypervisor memory-slot contract.
const pmemAlignment = 2 * 1024 * 1024

// pmemMemSlotsStart is the first memory-slot index reserved for pmem
// devices; slot numbers below this are assumed claimed by RAM/other devices.
const pmemMemSlotsStart = 10

// PmemMemSlotsStart exports pmemMemSlotsStart for callers outside this
// package (e.g. a device builder assigning one memory slot per bus slot)
// that need to derive a stable, non-colliding slot number.
const PmemMemSlotsStart = pmemMemSlotsStart

// alignPmemUp rounds size up to the next multiple of pmemAlignment; a zero
// size yields one full pmemAlignment.
func alignPmemUp(size uint64) uint64 {
	if size == 0 {
		return pmemAlignment
	}
	return (size + pmemAlignment - 1) &^ (pmemAlignment - 1)
}

// rawMmap invokes mmap(2) directly via unix.Syscall6, since
// golang.org/x/sys/unix's Mmap wrapper never lets the caller pin a
// specific address (required for the MAP_FIXED overlay step below).
func rawMmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

// mapBackingFileRange performs the two-step anchor-and-overlay mapping
// described in the Mapping Engine contract: an anonymous reservation of
// mappingSize bytes, followed by a MAP_FIXED file-backed overlay of the
// first backingFileSize bytes. The returned address is the base of the
// full mappingSize-byte range; bytes in [backingFileSize, mappingSize)
// read as zero until written. Writes there are not discarded: they stay in
// the anonymous anchor memory and never reach the backing file.
func mapBackingFileRange(file *os.File, mappingSize, backingFileSize uint64, shared bool) (uintptr, error) {
	if file == nil {
		return 0, fmt.Errorf("virtio-pmem: mapping: backing file is nil")
	}

	shareFlag := unix.MAP_PRIVATE
	if shared {
		shareFlag = unix.MAP_SHARED
	}

	base, err := rawMmap(0, uintptr(mappingSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|shareFlag,
		-1, 0)
	if err != nil {
		return 0, fmt.Errorf("virtio-pmem: mapping: anonymous anchor: %w", err)
	}

	if backingFileSize > 0 {
		if _, err := rawMmap(base, uintptr(backingFileSize),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_FIXED|unix.MAP_NORESERVE|shareFlag,
			int(file.Fd()), 0); err != nil {
			_, _, _ = unix.Syscall(unix.SYS_MUNMAP, base, uintptr(mappingSize), 0)
			return 0, fmt.Errorf("virtio-pmem: mapping: file overlay: %w", err)
		}
	}

	return base, nil
}

// pmemFileMappingSize stats file and returns its 2 MiB-aligned mapping_size,
// letting a caller reserve a guest-physical range of the right size before
// the mapping itself is established.
func pmemFileMappingSize(file *os.File) (uint64, error) {
	if file == nil {
		return 0, fmt.Errorf("virtio-pmem: backing file required")
	}
	fi, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("virtio-pmem: stat backing file: %w", err)
	}
	return alignPmemUp(uint64(fi.Size())), nil
}

// mapBackingFile stats the device's already-open backing file, computes its current
// size and the 2 MiB-aligned mapping_size, runs the two-step mapping, and
// populates the device's mapping fields. guestAddress is the pmem region's
// guest-physical base address, distinct from the device's MMIO transport
// register window; callers derive it from the VM's address space (see
// pmemFileMappingSize and hv.VirtualMachine.AllocateMMIO), not from the
// virtio-mmio slot base.
func (p *Pmem) mapBackingFile(file *os.File, guestAddress uint64) error {
	if file == nil {
		return fmt.Errorf("virtio-pmem: backing file required")
	}
	fi, err := file.Stat()
	if err != nil {
		return fmt.Errorf("virtio-pmem: stat backing file: %w", err)
	}

	backingFileSize := uint64(fi.Size())
	mappingSize := alignPmemUp(backingFileSize)

	if guestAddress%pmemAlignment != 0 {
		return fmt.Errorf("virtio-pmem: guest address %#x is not %d-byte aligned", guestAddress, pmemAlignment)
	}

	hostAddr, err := mapBackingFileRange(file, mappingSize, backingFileSize, p.shared)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.backingFile = file
	p.backingFileSize = backingFileSize
	p.mappingSize = mappingSize
	p.hostMappingAddr = hostAddr
	p.guestAddress = guestAddress
	p.mu.Unlock()

	return nil
}

// registerMemorySlot publishes the already-established host mapping into
// the guest's physical address space under the device's mem_slot, via the
// hv.MemorySlotRegistrar collaborator interface (mirrors
// KVM_SET_USER_MEMORY_REGION: slot, guest_phys_addr, memory_size,
// userspace_addr, flags=0).
func (p *Pmem) registerMemorySlot(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	registrar, ok := vm.(hv.MemorySlotRegistrar)
	if !ok {
		return nil
	}
	if p.hostMappingAddr == 0 {
		return fmt.Errorf("virtio-pmem: cannot register memory slot before mapping backing file")
	}
	return registrar.RegisterMemorySlot(p.memSlot, p.guestAddress, p.mappingSize, p.hostMappingAddr, 0)
}

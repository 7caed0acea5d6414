//go:build linux

// Command pmem-uffd is the out-of-process userfaultfd handler for a
// demand-loaded virtio-pmem backing file. It accepts a single connection on
// a Unix socket, receives an already-registered userfaultfd handle and the
// mapped region's layout from the VMM, and serves page faults against it
// until the VMM closes the handle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096

	// uffdMsgSize is sizeof(struct uffd_msg) on amd64/arm64: 1-byte event,
	// 1+2+4 bytes reserved, then a 24-byte union padded to 32 bytes total.
	uffdMsgSize = 32

	uffdEventPagefault = 0x12
	uffdEventRemove    = 0x15

	// uffdioCopyIoctl is _IOWR(0xAA, 0x03, struct uffdio_copy); the struct
	// is 40 bytes (0x28): dst, src, len, mode, copy — five 8-byte fields,
	// the trailing copy/errno result being written back by the kernel.
	uffdioCopyIoctl = 0xc028aa03
)

// uffdioCopy mirrors struct uffdio_copy from linux/userfaultfd.h.
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

// memoryRegion is the JSON layout the VMM sends alongside the userfaultfd
// handle: the host virtual range the fd is registered against, and the
// backing-file offset it corresponds to.
type memoryRegion struct {
	BaseHostVirtAddr uint64 `json:"base_host_virt_addr"`
	Size             uint64 `json:"size"`
	Offset           uint64 `json:"offset"`
}

// pageState tracks ranges the VMM has told us are no longer backed by the
// memory file (e.g. after balloon deflation), so a late fault against them
// is never served from stale file content.
type pageState struct {
	removed map[uint64]bool
}

func newPageState() *pageState {
	return &pageState{removed: make(map[uint64]bool)}
}

func (s *pageState) markRemoved(start, end uint64) {
	for addr := start &^ (pageSize - 1); addr < end; addr += pageSize {
		s.removed[addr] = true
	}
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: pmem-uffd <socket_path> <memory_file_path>")
		os.Exit(2)
	}
	socketPath, memFilePath := os.Args[1], os.Args[2]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, socketPath, memFilePath); err != nil {
		fmt.Fprintln(os.Stderr, "pmem-uffd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, socketPath, memFilePath string) error {
	memFile, err := os.Open(memFilePath)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer memFile.Close()

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()

	type handshake struct {
		uffdFd int
		region memoryRegion
	}
	handshakeCh := make(chan handshake, 1)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		uffdFd, region, err := acceptHandshake(listener)
		if err != nil {
			return fmt.Errorf("accept handshake: %w", err)
		}
		select {
		case handshakeCh <- handshake{uffdFd: uffdFd, region: region}:
			return nil
		case <-ctx.Done():
			unix.Close(uffdFd)
			return ctx.Err()
		}
	})

	g.Go(func() error {
		var hs handshake
		select {
		case hs = <-handshakeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer unix.Close(hs.uffdFd)
		return serveFaults(ctx, hs.uffdFd, hs.region, memFile)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// acceptHandshake accepts the VMM's single connection and receives the
// userfaultfd handle (SCM_RIGHTS) plus the region JSON sent alongside it.
func acceptHandshake(listener net.Listener) (int, memoryRegion, error) {
	conn, err := listener.Accept()
	if err != nil {
		return -1, memoryRegion{}, err
	}
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, memoryRegion{}, fmt.Errorf("unexpected connection type %T", conn)
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return -1, memoryRegion{}, fmt.Errorf("raw conn: %w", err)
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error
	if ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	}); ctrlErr != nil {
		return -1, memoryRegion{}, fmt.Errorf("read raw conn: %w", ctrlErr)
	}
	if recvErr != nil {
		return -1, memoryRegion{}, fmt.Errorf("recvmsg: %w", recvErr)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, memoryRegion{}, fmt.Errorf("parse control message: %w", err)
	}
	uffdFd := -1
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil || len(fds) == 0 {
			continue
		}
		uffdFd = fds[0]
		break
	}
	if uffdFd < 0 {
		return -1, memoryRegion{}, fmt.Errorf("no userfaultfd handle received via SCM_RIGHTS")
	}

	var region memoryRegion
	if err := json.Unmarshal(buf[:n], &region); err != nil {
		unix.Close(uffdFd)
		return -1, memoryRegion{}, fmt.Errorf("parse memory region: %w", err)
	}
	return uffdFd, region, nil
}

// serveFaults runs the userfaultfd event loop: page-fault events are served
// by copying the corresponding page from memFile (or a zero page for a
// removed range), remove events update the
// internal page-state map, and any other event is a programmer error.
func serveFaults(ctx context.Context, uffdFd int, region memoryRegion, memFile *os.File) error {
	state := newPageState()
	var served atomic.Uint64

	var buf [uffdMsgSize]byte
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fds := []unix.PollFd{{Fd: int32(uffdFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll userfaultfd: %w", err)
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(uffdFd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("read userfaultfd: %w", err)
		}
		if nr == 0 {
			// The VMM closed the userfaultfd: our job here is done.
			return nil
		}
		if nr != uffdMsgSize {
			return fmt.Errorf("short uffd_msg read: %d bytes", nr)
		}

		event := buf[0]
		switch event {
		case uffdEventPagefault:
			addr := *(*uint64)(unsafe.Pointer(&buf[16]))
			pageAddr := addr &^ (pageSize - 1)
			if err := servePage(uffdFd, region, memFile, pageAddr, state.removed[pageAddr]); err != nil {
				return fmt.Errorf("serve page fault at 0x%x: %w", pageAddr, err)
			}
			n := served.Add(1)
			fmt.Printf("Pages served: %d\n", n)

		case uffdEventRemove:
			start := *(*uint64)(unsafe.Pointer(&buf[8]))
			end := *(*uint64)(unsafe.Pointer(&buf[16]))
			state.markRemoved(start, end)

		default:
			return fmt.Errorf("unexpected userfaultfd event type 0x%x", event)
		}
	}
}

// servePage reads one page of content from memFile at the offset
// corresponding to pageAddr within region, and resolves the fault with
// UFFDIO_COPY. A page marked removed is resolved with a zero-filled page
// instead of file content.
func servePage(uffdFd int, region memoryRegion, memFile *os.File, pageAddr uint64, removed bool) error {
	if pageAddr < region.BaseHostVirtAddr || pageAddr >= region.BaseHostVirtAddr+region.Size {
		return fmt.Errorf("fault address 0x%x outside registered region", pageAddr)
	}
	fileOffset := int64(region.Offset + (pageAddr - region.BaseHostVirtAddr))

	var page [pageSize]byte
	if !removed {
		if _, err := memFile.ReadAt(page[:], fileOffset); err != nil && err != io.EOF {
			return fmt.Errorf("read backing file: %w", err)
		}
	}
	// A short read at end-of-file leaves the remainder of page zeroed,
	// matching the mapping engine's own zeroed-tail semantics.

	cp := uffdioCopy{
		dst:  pageAddr,
		src:  uint64(uintptr(unsafe.Pointer(&page[0]))),
		len:  pageSize,
		mode: 0,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(uffdFd), uintptr(uffdioCopyIoctl), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 {
		return errno
	}
	if cp.copy < 0 {
		return fmt.Errorf("UFFDIO_COPY returned %d", cp.copy)
	}
	return nil
}

// Package mmio provides a reference, Linux-only [hal.MMIO] implementation
// backed by golang.org/x/sys/unix mmap over a physical BAR region.
//
// This is not wired into production bring-up automatically; callers that
// want it construct one from a resource path and hand it to the core
// alongside a Capabilities value.
package mmio

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/usbxhci/core/pkg"
)

// LinuxMMIO maps a controller's MMIO BAR via mmap(2) and implements
// [hal.MMIO] over the resulting byte slice.
type LinuxMMIO struct {
	mu   sync.Mutex
	mem  []byte
	file *os.File

	capBase  uint32
	opBase   uint32
	runBase  uint32
	dbBase   uint32
	portBase uint32
	portSize uint32
}

// Open mmaps the first length bytes of path (typically a sysfs
// "resourceN" file). capBase/opBase/runBase/dbBase are
// register-space offsets read from the Capability Registers at bring-up
// time by the caller (CAPLENGTH, RTSOFF, DBOFF); portBase/portSize
// locate the per-port register block within operational space.
func Open(path string, length int, capBase, opBase, runBase, dbBase, portBase, portSize uint32) (*LinuxMMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmio: mmap %s: %w", path, err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "mmio region mapped", "path", path, "length", length)

	return &LinuxMMIO{
		mem:      mem,
		file:     f,
		capBase:  capBase,
		opBase:   opBase,
		runBase:  runBase,
		dbBase:   dbBase,
		portBase: portBase,
		portSize: portSize,
	}, nil
}

// Close unmaps the region and closes the backing file.
func (m *LinuxMMIO) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem != nil {
		_ = unix.Munmap(m.mem)
		m.mem = nil
	}
	return m.file.Close()
}

func (m *LinuxMMIO) read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.mem[off : off+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (m *LinuxMMIO) write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.mem[off : off+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ReadCap32 reads a 32-bit capability register.
func (m *LinuxMMIO) ReadCap32(offset uint32) uint32 { return m.read32(m.capBase + offset) }

// WriteCap32 writes a 32-bit capability register. Only the Extended
// Capability list's RW1C/RW bits (e.g. USBLEGSUP's OS-owned semaphore)
// are writable; the rest of capability space is read-only on real
// hardware and a write there is a caller error.
func (m *LinuxMMIO) WriteCap32(offset uint32, v uint32) { m.write32(m.capBase+offset, v) }

// ReadOp32 reads a 32-bit operational register.
func (m *LinuxMMIO) ReadOp32(offset uint32) uint32 { return m.read32(m.opBase + offset) }

// WriteOp32 writes a 32-bit operational register.
func (m *LinuxMMIO) WriteOp32(offset uint32, v uint32) { m.write32(m.opBase+offset, v) }

// ReadRun32 reads a 32-bit runtime register (interrupter set).
func (m *LinuxMMIO) ReadRun32(offset uint32) uint32 { return m.read32(m.runBase + offset) }

// WriteRun32 writes a 32-bit runtime register.
func (m *LinuxMMIO) WriteRun32(offset uint32, v uint32) { m.write32(m.runBase+offset, v) }

// WriteDoorbell32 rings a slot's doorbell.
func (m *LinuxMMIO) WriteDoorbell32(slot uint32, v uint32) { m.write32(m.dbBase+slot*4, v) }

// ReadPort32 reads a per-port operational register.
func (m *LinuxMMIO) ReadPort32(port int, offset uint32) uint32 {
	return m.read32(m.portBase + uint32(port)*m.portSize + offset)
}

// WritePort32 writes a per-port operational register.
func (m *LinuxMMIO) WritePort32(port int, offset uint32, v uint32) {
	m.write32(m.portBase+uint32(port)*m.portSize+offset, v)
}

// Barrier issues a compiler/CPU memory barrier. The barrier is a
// Lock/Unlock pair on the register mutex that every access through this
// type also takes, which orders those accesses under the Go memory model.
func (m *LinuxMMIO) Barrier() {
	m.mu.Lock()
	m.mu.Unlock() //nolint:staticcheck // lock/unlock pair is the barrier
}

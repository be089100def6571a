package bufferpool

import (
	"fmt"
	"strings"
	"time"
)

// MemoryMode selects the memory backend of a pool. It is fixed at
// configuration time.
type MemoryMode uint8

const (
	// ModeMMAP maps kernel memory into the process.
	ModeMMAP MemoryMode = iota
	// ModeDMABufExport exports kernel memory as shareable dmabuf handles.
	ModeDMABufExport
	// ModeUserPtr imports application memory by address.
	ModeUserPtr
	// ModeDMABufImport imports externally allocated dmabuf handles.
	ModeDMABufImport
)

var modeNames = [...]string{
	ModeMMAP:         "mmap",
	ModeDMABufExport: "dmabuf",
	ModeUserPtr:      "userptr",
	ModeDMABufImport: "dmabuf-import",
}

func (m MemoryMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("MemoryMode(%d)", m)
}

// ParseMemoryMode parses the names used in configuration files.
func ParseMemoryMode(s string) (MemoryMode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return MemoryMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown memory mode %q", s)
}

// Kernel returns the memory type queued to the device for this mode.
func (m MemoryMode) Kernel() KernelMemory {
	switch m {
	case ModeUserPtr:
		return KernelMemoryUserPtr
	case ModeDMABufImport:
		return KernelMemoryDMABuf
	default:
		return KernelMemoryMMAP
	}
}

// Imports reports whether slots in this mode carry no memory until an
// import call binds some.
func (m MemoryMode) Imports() bool {
	return m == ModeUserPtr || m == ModeDMABufImport
}

// PlaneMemory is the backing of one plane. The set of implementations is
// closed: MappedMemory, ExportedMemory, UserMemory and ExternalMemory.
type PlaneMemory interface {
	planeMemory()
}

// MappedMemory is kernel memory mapped into the process.
type MappedMemory struct {
	Data []byte
}

// ExportedMemory is kernel memory exported as a dmabuf. Data is the
// mapping used for copies.
type ExportedMemory struct {
	FD   int
	Data []byte
}

// UserMemory is application memory imported by address.
type UserMemory struct {
	Data []byte
}

// ExternalMemory is a dmabuf owned by someone else.
type ExternalMemory struct {
	FD   int
	Size uint32
}

func (MappedMemory) planeMemory()   {}
func (ExportedMemory) planeMemory() {}
func (UserMemory) planeMemory()     {}
func (ExternalMemory) planeMemory() {}

// Plane is one memory region of a group.
type Plane struct {
	Memory PlaneMemory
	// Length is the negotiated size of the plane.
	Length uint32
	// Size is the payload currently held, at most Length.
	Size uint32
	// Offset is where the payload starts.
	Offset uint32

	info PlaneInfo
}

// Bytes returns the payload of the plane, or nil when the memory is not
// addressable from the process.
func (p *Plane) Bytes() []byte {
	var data []byte
	switch m := p.Memory.(type) {
	case MappedMemory:
		data = m.Data
	case ExportedMemory:
		data = m.Data
	case UserMemory:
		data = m.Data
	case ExternalMemory, nil:
		return nil
	}
	end := int(p.Offset) + int(p.Size)
	if end > len(data) {
		end = len(data)
	}
	if int(p.Offset) > end {
		return nil
	}
	return data[p.Offset:end]
}

// MemoryGroup is one kernel buffer slot.
type MemoryGroup struct {
	Index     int
	Planes    []Plane
	Field     Field
	Sequence  uint32
	Timestamp time.Duration
	Flags     DeviceFlags

	mode   MemoryMode
	queued bool
}

// Mode returns the memory mode the group was allocated in.
func (g *MemoryGroup) Mode() MemoryMode {
	return g.mode
}

// BytesUsed is the total payload over all planes.
func (g *MemoryGroup) BytesUsed() int {
	n := 0
	for i := range g.Planes {
		n += int(g.Planes[i].Size)
	}
	return n
}

func (g *MemoryGroup) reset() {
	for i := range g.Planes {
		p := &g.Planes[i]
		p.Size = p.Length
		p.Offset = 0
		if g.mode.Imports() {
			p.Memory = nil
		}
	}
	g.Flags = 0
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// PoolSpec defines one pool in the pools file:
//
//	[pools.cam0]
//	device = "/dev/video0"
//	direction = "capture"
//	memory = "mmap"
//	min_buffers = 4
//	max_buffers = 8
//	copy_threshold = true
//
// Device is a device node path or a stable name from /dev/v4l/by-id.
type PoolSpec struct {
	ID        string `toml:"-" json:"id"`
	Device    string `toml:"device" json:"device"`
	Direction string `toml:"direction,omitempty" json:"direction"`
	Memory    string `toml:"memory,omitempty" json:"memory"`

	MinBuffers int `toml:"min_buffers,omitempty" json:"min_buffers"`
	MaxBuffers int `toml:"max_buffers,omitempty" json:"max_buffers"`

	CopyThreshold    bool `toml:"copy_threshold,omitempty" json:"copy_threshold"`
	VideoMeta        bool `toml:"video_meta,omitempty" json:"video_meta"`
	ResolutionChange bool `toml:"resolution_change,omitempty" json:"resolution_change"`

	// Disabled pools are kept in the file but not started.
	Disabled bool `toml:"disabled,omitempty" json:"disabled"`
}

// PoolsFile is the parsed pools file.
type PoolsFile struct {
	Pools map[string]PoolSpec `toml:"pools"`
}

// LoadPools reads and validates the pools file. A missing file is an
// empty set of pools.
func LoadPools(path string) (PoolsFile, error) {
	f := PoolsFile{Pools: map[string]PoolSpec{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to read pools file: %w", err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse pools file: %w", err)
	}
	if f.Pools == nil {
		f.Pools = map[string]PoolSpec{}
	}

	for id, spec := range f.Pools {
		spec.ID = id
		spec = spec.withDefaults()
		if err := spec.Validate(); err != nil {
			return f, err
		}
		f.Pools[id] = spec
	}
	return f, nil
}

func (s PoolSpec) withDefaults() PoolSpec {
	if s.Direction == "" {
		s.Direction = "capture"
	}
	if s.Memory == "" {
		s.Memory = "mmap"
	}
	s.Direction = strings.ToLower(s.Direction)
	s.Memory = strings.ToLower(s.Memory)
	return s
}

// Validate checks the fields that do not need the device.
func (s PoolSpec) Validate() error {
	if s.Device == "" {
		return fmt.Errorf("pool %q: device is required", s.ID)
	}
	switch s.Direction {
	case "capture", "output":
	default:
		return fmt.Errorf("pool %q: direction must be capture or output, got %q", s.ID, s.Direction)
	}
	switch s.Memory {
	case "mmap", "dmabuf", "userptr":
	case "dmabuf-import":
		// Sessions only carry CPU memory; nothing here can hand them dmabufs.
		return fmt.Errorf("pool %q: dmabuf-import needs a dmabuf producer, use dmabuf or userptr", s.ID)
	default:
		return fmt.Errorf("pool %q: unknown memory %q", s.ID, s.Memory)
	}
	if s.MinBuffers < 0 || s.MaxBuffers < 0 {
		return fmt.Errorf("pool %q: buffer counts must not be negative", s.ID)
	}
	if s.MaxBuffers != 0 && s.MaxBuffers < s.MinBuffers {
		return fmt.Errorf("pool %q: max_buffers %d below min_buffers %d", s.ID, s.MaxBuffers, s.MinBuffers)
	}
	return nil
}

// IDs returns the pool identifiers in sorted order.
func (f PoolsFile) IDs() []string {
	return slices.Sorted(maps.Keys(f.Pools))
}

// PoolsDiff lists what changed between two pools files.
type PoolsDiff struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether nothing changed.
func (d PoolsDiff) Empty() bool {
	return len(d.Added)+len(d.Changed)+len(d.Removed) == 0
}

// Diff compares prev with next.
func Diff(prev, next PoolsFile) PoolsDiff {
	var d PoolsDiff
	for _, id := range next.IDs() {
		old, ok := prev.Pools[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case old != next.Pools[id]:
			d.Changed = append(d.Changed, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next.Pools[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

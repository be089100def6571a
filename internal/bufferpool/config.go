package bufferpool

// Config is the pool configuration. It is frozen while the pool is active
// and round-trips unchanged through SetConfig once clamped.
type Config struct {
	Format     Format
	Size       uint32
	MinBuffers int
	MaxBuffers int
	Mode       MemoryMode
	// CopyThreshold makes capture pools copy frames once the device queue
	// runs low instead of handing out every slot.
	CopyThreshold bool
	// VideoMeta attaches plane layout metadata to buffers.
	VideoMeta bool
}

// minFloor is the fewest buffers a queue can stream with.
func minFloor(dir Direction, caps DeviceCaps) int {
	if dir == Output || caps.M2M {
		return 1
	}
	return 2
}

// clampConfig applies device limits to cfg and reports whether anything
// changed.
func clampConfig(cfg Config, floor int, canAllocate bool) (Config, bool) {
	updated := false

	required := floor
	if cfg.Format.DriverMinBuffers > required {
		required = cfg.Format.DriverMinBuffers
	}

	if cfg.MinBuffers < floor {
		cfg.MinBuffers = floor
		updated = true
	}
	if cfg.MinBuffers < cfg.Format.DriverMinBuffers {
		cfg.MinBuffers = cfg.Format.DriverMinBuffers
		updated = true
	}

	wantsMore := cfg.MaxBuffers == 0 || cfg.MaxBuffers > cfg.MinBuffers
	if cfg.MaxBuffers > MaxSlots || cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = MaxSlots
		updated = true
	}

	if cfg.MinBuffers > cfg.MaxBuffers {
		if cfg.MaxBuffers >= required {
			cfg.MinBuffers = cfg.MaxBuffers
		} else {
			cfg.MaxBuffers = cfg.MinBuffers
		}
		updated = true
	} else if cfg.MinBuffers != cfg.MaxBuffers && !canAllocate {
		cfg.MaxBuffers = cfg.MinBuffers
		updated = true
		if wantsMore && !cfg.CopyThreshold {
			cfg.CopyThreshold = true
		}
	}

	if !cfg.VideoMeta && cfg.Format.NeedsVideoMeta {
		cfg.VideoMeta = true
		updated = true
	}
	if cfg.Format.TotalSize != 0 && cfg.Size != cfg.Format.TotalSize {
		cfg.Size = cfg.Format.TotalSize
		updated = true
	}
	return cfg, updated
}

func validateFormat(f Format) error {
	if f.PlaneCount < 1 {
		return configError("set config", "format has %d planes", f.PlaneCount)
	}
	if len(f.PlaneSizes) != f.PlaneCount {
		return configError("set config", "format lists %d plane sizes for %d planes", len(f.PlaneSizes), f.PlaneCount)
	}
	var total uint32
	for _, s := range f.PlaneSizes {
		total += s
	}
	if f.TotalSize != 0 && total > f.TotalSize {
		return configError("set config", "plane sizes add up to %d, more than total %d", total, f.TotalSize)
	}
	if f.DriverMinBuffers < 0 || f.DriverMinBuffers > MaxSlots {
		return configError("set config", "driver minimum of %d buffers", f.DriverMinBuffers)
	}
	return nil
}

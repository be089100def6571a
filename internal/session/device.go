package session

import (
	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
)

// Device is an opened device queue a session streams on.
type Device interface {
	bufferpool.Device

	// Format reads the negotiated format of the queue.
	Format() (bufferpool.Format, error)
	Close() error
}

// Opener opens the device queue described by spec.
type Opener func(spec config.PoolSpec) (Device, error)

func direction(spec config.PoolSpec) bufferpool.Direction {
	if spec.Direction == "output" {
		return bufferpool.Output
	}
	return bufferpool.Capture
}

//go:build !linux

package session

import (
	"errors"

	"github.com/smazurov/v4l2pool/internal/config"
)

var defaultOpener Opener = func(config.PoolSpec) (Device, error) {
	return nil, errors.New("video devices are only supported on linux")
}

//go:build !linux

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/smazurov/v4l2pool/internal/events"
)

func startHotplug(context.Context, *events.Bus, *slog.Logger) error {
	return errors.New("hotplug monitoring requires linux")
}

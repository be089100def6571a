//go:build linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smazurov/v4l2pool/internal/events"
	"github.com/smazurov/v4l2pool/pkg/linuxav/hotplug"
)

// startHotplug publishes video device arrivals and removals on bus until
// ctx is done.
func startHotplug(ctx context.Context, bus *events.Bus, logger *slog.Logger) error {
	mon, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
	if err != nil {
		return err
	}

	ch := make(chan hotplug.Event, 16)
	go func() {
		defer mon.Close()
		if runErr := mon.Run(ctx, ch); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("Hotplug monitor stopped", "error", runErr)
		}
	}()

	go func() {
		for ev := range ch {
			node := ev.DevNode()
			if node == "" {
				continue
			}
			ts := time.Now().Format(time.RFC3339)
			switch ev.Action {
			case hotplug.ActionAdd:
				logger.Info("Video device added", "device", node)
				bus.Publish(events.DeviceAddedEvent{DevicePath: node, Timestamp: ts})
			case hotplug.ActionRemove:
				logger.Warn("Video device removed", "device", node)
				bus.Publish(events.DeviceRemovedEvent{DevicePath: node, Timestamp: ts})
			}
		}
	}()

	logger.Info("Hotplug monitoring started")
	return nil
}

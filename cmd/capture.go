package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/v4l2pool/internal/bufferpool"
	"github.com/smazurov/v4l2pool/internal/config"
	"github.com/smazurov/v4l2pool/internal/logging"
	"github.com/smazurov/v4l2pool/internal/session"
	"github.com/spf13/cobra"
)

type captureFlags struct {
	device        string
	memory        string
	poolsFile     string
	output        string
	frames        uint64
	duration      time.Duration
	minBuffers    int
	maxBuffers    int
	copyThreshold bool
	logJSON       bool
}

// CreateCaptureCmd creates the capture command.
func CreateCaptureCmd() *cobra.Command {
	var f captureFlags

	cmd := &cobra.Command{
		Use:   "capture [pool-id]",
		Short: "Capture frames through a buffer pool",
		Long: `Opens a capture device through a buffer pool and writes the frame payloads back to back ` +
			`to a file or stdout. The pool is taken from the pools file when a pool ID is given, ` +
			`otherwise from --device and the buffer flags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loggingConfig := logging.Config{Level: "info", Format: "text"}
			if f.logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)

			spec, err := f.spec(args)
			if err != nil {
				return err
			}
			logger := logging.GetLogger("capture").With("pool", spec.ID)

			var out io.Writer = os.Stdout
			if f.output != "-" {
				file, createErr := os.Create(f.output)
				if createErr != nil {
					return fmt.Errorf("failed to create output: %w", createErr)
				}
				defer file.Close()
				out = file
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if f.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.duration)
				defer cancel()
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			sink := &limitSink{next: session.NewWriterSink(out), limit: f.frames, done: cancel}
			sess := session.New(spec, session.Options{
				Sink:   sink,
				Logger: logger,
			})

			logger.Info("Starting capture", "device", spec.Device, "memory", spec.Memory, "output", f.output)
			start := time.Now()
			runErr := sess.Run(ctx)

			frames, bytes, dropped, _ := sess.Counters()
			logger.Info("Capture finished",
				"frames", frames,
				"bytes", bytes,
				"dropped", dropped,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return runErr
		},
	}

	cmd.Flags().StringVarP(&f.device, "device", "d", "/dev/video0", "Capture device")
	cmd.Flags().StringVarP(&f.memory, "memory", "m", "mmap", "Memory mode (mmap, dmabuf, userptr)")
	cmd.Flags().StringVar(&f.poolsFile, "pools", "pools.toml", "Pool definitions file, used when a pool ID is given")
	cmd.Flags().StringVarP(&f.output, "output", "o", "-", "Output file, - for stdout")
	cmd.Flags().Uint64VarP(&f.frames, "frames", "n", 0, "Stop after this many frames, 0 for no limit")
	cmd.Flags().DurationVarP(&f.duration, "duration", "t", 0, "Stop after this long, 0 for no limit")
	cmd.Flags().IntVar(&f.minBuffers, "min-buffers", 0, "Minimum buffers, 0 for the driver minimum")
	cmd.Flags().IntVar(&f.maxBuffers, "max-buffers", 0, "Maximum buffers, 0 for unbounded")
	cmd.Flags().BoolVar(&f.copyThreshold, "copy-threshold", false, "Copy frames out when the device runs low on buffers")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "Log in JSON format")

	return cmd
}

// spec resolves the pool definition from the pools file or the flags.
func (f *captureFlags) spec(args []string) (config.PoolSpec, error) {
	if len(args) == 1 {
		pools, err := config.LoadPools(f.poolsFile)
		if err != nil {
			return config.PoolSpec{}, err
		}
		spec, ok := pools.Pools[args[0]]
		if !ok {
			return config.PoolSpec{}, fmt.Errorf("pool %q not found in %s", args[0], f.poolsFile)
		}
		if spec.Direction != "capture" {
			return config.PoolSpec{}, fmt.Errorf("pool %q is an output pool", args[0])
		}
		return spec, nil
	}

	spec := config.PoolSpec{
		ID:            "capture",
		Device:        f.device,
		Direction:     "capture",
		Memory:        f.memory,
		MinBuffers:    f.minBuffers,
		MaxBuffers:    f.maxBuffers,
		CopyThreshold: f.copyThreshold,
	}
	return spec, spec.Validate()
}

// limitSink stops the capture once limit frames were written.
type limitSink struct {
	next  session.FrameSink
	limit uint64
	n     atomic.Uint64
	done  func()
}

func (s *limitSink) WriteFrame(id string, buf *bufferpool.Buffer) error {
	if s.limit > 0 && s.n.Load() >= s.limit {
		return nil
	}
	if err := s.next.WriteFrame(id, buf); err != nil {
		return err
	}
	if s.n.Add(1) == s.limit {
		s.done()
	}
	return nil
}

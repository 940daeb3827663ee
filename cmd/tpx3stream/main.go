// Command tpx3stream is the streaming daemon: it accepts client
// connections, reads one Settings record per connection (§6.2),
// constructs the TdcRefs and measurement accumulator the client asked
// for, and drives the run to completion or disconnect (§4.8).
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/alitto/pond"
	"github.com/urfave/cli/v2"

	"github.com/asi-lab/tpx3stream/cluster"
	"github.com/asi-lab/tpx3stream/config"
	"github.com/asi-lab/tpx3stream/errkind"
	"github.com/asi-lab/tpx3stream/internal/obslog"
	"github.com/asi-lab/tpx3stream/internal/runlog"
	"github.com/asi-lab/tpx3stream/measurement"
	"github.com/asi-lab/tpx3stream/packet"
	"github.com/asi-lab/tpx3stream/stream"
)

// handleConnection implements one pass of the §4.8 run state machine
// for a single client: read config, select mode, construct refs
// (elsewhere, per mode), stream, log the outcome.
func handleConnection(conn net.Conn, cfg config.DaemonConfig, logger *obslog.Logger, log *runlog.Log) {
	defer conn.Close()

	settings, err := config.ReadSettings(conn)
	if err != nil {
		logger.Error("reading client settings", "remote", conn.RemoteAddr(), "err", err)
		_ = log.Record(time.Now(), errkind.Wrap(errkind.SetBin, err))
		return
	}

	logger.Info("starting run", "remote", conn.RemoteAddr(), "mode", settings.Mode, "bytedepth", settings.ByteDepth)

	if err := runMode(conn, cfg, settings, logger); err != nil {
		logger.Error("run ended with error", "remote", conn.RemoteAddr(), "err", err)
		_ = log.Record(time.Now(), err)
		return
	}
	_ = log.Record(time.Now(), nil)
}

// runMode constructs the TdcRef(s) and accumulator the client's mode
// field names (§6.2), then drives the run: synchronous modes through
// runSynchronous, the two pipelined spim modes through runSpim. One
// detector connection is dialed per run and shared between TdcRef
// prelude construction (which blocks on it, §4.2) and the decode loop
// that follows.
func runMode(conn net.Conn, cfg config.DaemonConfig, settings config.Settings, logger *obslog.Logger) error {
	geometry := packet.DefaultGeometry()
	pixelsX, pixelsY := geometry.PixelsX, geometry.PixelsY
	depth := measurement.BitDepth(settings.ByteDepth)

	detector, err := net.Dial("tcp", cfg.DetectorAddr)
	if err != nil {
		return errkind.Wrap(errkind.TdcNoReceived, err)
	}
	defer detector.Close()

	switch measurement.Mode(settings.Mode) {
	case measurement.ModeLive1D:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewLive1D(pixelsX, depth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: 1, BitDepth: settings.ByteDepth}
		glue := &live1DDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeLive2D:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewLive2D(pixelsX, pixelsY, depth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: pixelsY, BitDepth: settings.ByteDepth}
		glue := &live2DDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeLiveTR1D:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewLiveTR1D(pixelsX, depth, settings.TimeDelay, settings.TimeWidth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: 1, BitDepth: settings.ByteDepth}
		glue := &liveTR1DDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeLiveTR2D:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewLiveTR2D(pixelsX, pixelsY, depth, settings.TimeDelay, settings.TimeWidth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: pixelsY, BitDepth: settings.ByteDepth}
		glue := &liveTR2DDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeFastChrono:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewFastChrono(settings.XspimSize, pixelsX, depth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: settings.XspimSize, BitDepth: settings.ByteDepth}
		glue := &fastChronoDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeChrono:
		frame, err := buildFrameRef(detector, 1)
		if err != nil {
			return err
		}
		acc := measurement.NewChrono(settings.XspimSize, pixelsX, depth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: settings.XspimSize, BitDepth: settings.ByteDepth}
		glue := &chronoDispatch{acc: acc, frame: frame, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeCoincidence2D:
		halfWindow := uint32(settings.TimeWidth)
		acc := measurement.NewCoincidence2D(pixelsX, halfWindow, depth, settings.TimeDelay)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: 2 * halfWindow, BitDepth: settings.ByteDepth}
		glue := &coincidence2DDispatch{acc: acc, aux: buildAuxRef(), delay: settings.TimeDelay, width: settings.TimeWidth, logger: logger}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeLive1DFrame:
		acc := measurement.NewLive1DFrame(pixelsX, depth)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: 1, BitDepth: settings.ByteDepth}
		glue := &live1DFrameDispatch{acc: acc, aux: buildAuxRef()}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeLive1DFrameHyperspec:
		if settings.YspimSize == 0 {
			return errkind.New(errkind.SetYSize, "hyperspec mode requires a non-zero yspim_size")
		}
		scan, err := buildFrameRef(detector, uint64(settings.YspimSize))
		if err != nil {
			return err
		}
		acc := measurement.NewLive1DFrameHyperspec(settings.XscanSize, settings.YscanSize, pixelsX, depth, measurement.DefaultHyperspecChunk)
		driver := &stream.Driver{Conn: conn, Width: pixelsX, Height: measurement.DefaultHyperspecChunk, BitDepth: settings.ByteDepth}
		glue := &hyperspecDispatch{
			acc: acc, scan: scan, aux: buildAuxRef(),
			xspim: uint64(settings.XspimSize), yspim: uint64(settings.YspimSize), videoTime: settings.VideoTime,
		}
		return runSynchronous(detector, driver, acc, glue, settings, geometry)

	case measurement.ModeSpimLive, measurement.ModeSpim4D:
		if settings.YspimSize == 0 {
			return errkind.New(errkind.SetYSize, "spim modes require a non-zero yspim_size")
		}
		scan, err := buildFrameRef(detector, uint64(settings.YspimSize))
		if err != nil {
			return err
		}
		driver := &stream.Driver{Conn: conn, Width: settings.XspimSize, Height: settings.YspimSize, BitDepth: settings.ByteDepth}
		return runSpim(detector, driver, settings, measurement.Mode(settings.Mode), geometry, scan, buildAuxRef())

	default:
		logger.Warn("mode not recognized", "mode", settings.Mode)
		return errkind.New(errkind.MiscModeNotImplemented, "mode not recognized")
	}
}

// runSynchronous is the spectroscopic-mode decode loop (§4.7
// Synchronous): decode one aligned chunk into TDC/shutter dispatch
// plus a raw electron batch, cluster-merge the batch (§4.3, "clusters
// never span the input slice"), deliver each merged electron to the
// mode, then emit if the accumulator reports ready.
func runSynchronous(detector net.Conn, driver *stream.Driver, acc stream.Emitting, glue modeGlue, settings config.Settings, geometry packet.Geometry) error {
	engine := cluster.NewEngine()
	policy := clusterPolicy()
	var chipIndex uint8
	buf := make([]byte, 16384)
	for {
		n, err := stream.ReadAligned(detector, buf)
		if err != nil {
			return err
		}
		electrons := stream.DecodeWords(buf[:n], &chipIndex, geometry, glue)
		cleaned := engine.Clean(electrons, policy)
		for _, e := range cleaned {
			glue.AddElectron(e)
		}
		if ba, ok := glue.(batchAware); ok {
			ba.BatchDone(cleaned)
		}
		if err := driver.MaybeEmit(acc, settings.Cumul, uint64(time.Now().UnixNano())); err != nil {
			return err
		}
	}
}

func serve(c *cli.Context) error {
	cfg := config.FromContext(c)
	logger := obslog.New(os.Stderr, cfg.LogLevel)

	if cfg.SaveRoot == "" {
		cfg.SaveRoot = "."
	}
	runLogDir := cfg.RunLogPath
	if runLogDir == "" {
		runLogDir = cfg.SaveRoot
	}
	runLog := runlog.Open(runLogDir)
	defer runLog.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info("listening", "addr", cfg.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n := runtime.NumCPU() * 2
	pool := pond.New(n, 0, pond.MinWorkers(n), pond.Context(ctx))
	defer pool.StopAndWait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Error("accept", "err", err)
				continue
			}
		}
		pool.Submit(func() {
			handleConnection(conn, cfg, logger, runLog)
		})
	}
}

func main() {
	app := &cli.App{
		Name:  "tpx3stream",
		Usage: "stream live measurements from a Timepix3 detector to clients",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the streaming daemon",
				Flags:  config.DaemonFlags,
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		obslog.Default.Fatal(err)
	}
}

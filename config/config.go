// Package config holds the two configuration surfaces of a run: the
// client-supplied JSON Settings record read once per connection
// (§6.2), and the daemon's own startup flags exposed through
// urfave/cli/v2 the way the teacher's cmd/main.go wires its commands.
package config

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
)

// Settings is the client configuration record (§6.2). Fields the
// protocol treats as opaque are kept as json.RawMessage so they round
// trip byte-for-byte into the persisted Settings file (§6.4) without
// this package needing to know their shape.
type Settings struct {
	Bin          bool `json:"bin"`
	ByteDepth    int  `json:"bytedepth"`
	Cumul        bool `json:"cumul"`
	Mode         int  `json:"mode"`
	XspimSize    uint32 `json:"xspim_size"`
	YspimSize    uint32 `json:"yspim_size"`
	XscanSize    uint32 `json:"xscan_size"`
	YscanSize    uint32 `json:"yscan_size"`
	PixelTime    uint32 `json:"pixel_time"`
	TimeDelay    uint64 `json:"time_delay"`
	TimeWidth    uint64 `json:"time_width"`
	VideoTime    uint64 `json:"video_time"`
	TimeResolved bool   `json:"time_resolved"`
	SaveLocally  bool   `json:"save_locally"`

	PixelMask       json.RawMessage `json:"pixel_mask,omitempty"`
	Threshold       json.RawMessage `json:"threshold,omitempty"`
	BiasVoltage     json.RawMessage `json:"bias_voltage,omitempty"`
	DestinationPort json.RawMessage `json:"destination_port,omitempty"`
	AcquisitionUs   json.RawMessage `json:"acquisition_us,omitempty"`
	Sup0            json.RawMessage `json:"sup0,omitempty"`
	Sup1            json.RawMessage `json:"sup1,omitempty"`
}

// maxSettingsBytes is the §6.2 hard cap on the configuration record.
const maxSettingsBytes = 512

// ReadSettings decodes one JSON Settings record from r, rejecting
// anything over the wire-protocol size cap.
func ReadSettings(r io.Reader) (Settings, error) {
	var s Settings
	limited := io.LimitReader(r, maxSettingsBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return s, err
	}
	if len(buf) > maxSettingsBytes {
		return s, fmt.Errorf("config: settings record exceeds %d bytes", maxSettingsBytes)
	}
	if err := json.Unmarshal(buf, &s); err != nil {
		return s, fmt.Errorf("config: decoding settings: %w", err)
	}
	return s, nil
}

// ByteDepthBits converts the configured ByteDepth (1, 2, or 4) to its
// bit-depth label for the frame header (§6.3).
func (s Settings) ByteDepthBits() int { return s.ByteDepth * 8 }

// DaemonFlags is the CLI flag surface for the streaming daemon,
// following the shape of the teacher's per-command flag lists.
var DaemonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen",
		Value: "0.0.0.0:8080",
		Usage: "address to listen for client connections on.",
	},
	&cli.StringFlag{
		Name:  "detector-addr",
		Value: "127.0.0.1:9000",
		Usage: "address of the Timepix3 detector TCP stream.",
	},
	&cli.StringFlag{
		Name:  "save-root",
		Usage: "base directory for run output; also the default run-log directory. The serve command does not persist runs for a client's save_locally request.",
	},
	&cli.StringFlag{
		Name:  "tiledb-config-uri",
		Usage: "URI or pathname to a TileDB config file for hyperspectral cube persistence; parsed into DaemonConfig but not used by serve.",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "minimum log level (debug, info, warn, error).",
	},
	&cli.StringFlag{
		Name:  "run-log",
		Usage: "directory for the daily CSV run log files (defaults to save-root).",
	},
	&cli.BoolFlag{
		Name:  "isibox",
		Usage: "IsiBox auxiliary counter toggle; parsed into DaemonConfig but serve does not open IsiBox connections.",
	},
	&cli.StringFlag{
		Name:  "isibox-addr",
		Value: "192.168.198.10:9592",
		Usage: "address of the IsiBox auxiliary counter unit; not used by serve.",
	},
}

// DaemonConfig is the parsed form of DaemonFlags.
type DaemonConfig struct {
	Listen         string
	DetectorAddr   string
	SaveRoot       string
	TileDBConfigURI string
	LogLevel       string
	RunLogPath     string
	UseIsiBox      bool
	IsiBoxAddr     string
}

// FromContext reads DaemonConfig out of a parsed cli.Context.
func FromContext(c *cli.Context) DaemonConfig {
	return DaemonConfig{
		Listen:          c.String("listen"),
		DetectorAddr:    c.String("detector-addr"),
		SaveRoot:        c.String("save-root"),
		TileDBConfigURI: c.String("tiledb-config-uri"),
		LogLevel:        c.String("log-level"),
		RunLogPath:      c.String("run-log"),
		UseIsiBox:       c.Bool("isibox"),
		IsiBoxAddr:      c.String("isibox-addr"),
	}
}

// Package store persists a run's configuration and raw octet stream
// to disk when a client requests save_locally (§6.4), and optionally
// mirrors the hyperspectral cube into a TileDB array for later
// analysis (SPEC_FULL.md §B).
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	"github.com/lestrrat-go/strftime"

	"github.com/asi-lab/tpx3stream/config"
)

const filenamePattern = "%Y_%m_%d_%H_%M_%S"

// RunName renders the timestamped basename (without extension) used
// for both the Settings JSON and the raw stream file of one run.
func RunName(t time.Time) string {
	name, err := strftime.Format(filenamePattern, t)
	if err != nil {
		// The pattern is a package constant, not user input; a format
		// error here can only mean the constant itself is malformed.
		panic(fmt.Sprintf("store: bad filename pattern %q: %v", filenamePattern, err))
	}
	return name
}

// Run owns the two save-locally sinks for one run: the Settings JSON
// and the raw octet stream, both named from the same timestamp.
type Run struct {
	jsonFile *os.File
	rawFile  *os.File
}

// Open creates "${root}/<name>.json" and "${root}/<name>.tpx3" and
// writes the Settings record into the former immediately.
func Open(root string, t time.Time, settings config.Settings) (*Run, error) {
	name := RunName(t)
	jsonPath := filepath.Join(root, name+".json")
	rawPath := filepath.Join(root, name+".tpx3")

	jf, err := os.Create(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", jsonPath, err)
	}
	enc := json.NewEncoder(jf)
	if err := enc.Encode(settings); err != nil {
		jf.Close()
		return nil, fmt.Errorf("store: writing settings: %w", err)
	}

	rf, err := os.Create(rawPath)
	if err != nil {
		jf.Close()
		return nil, fmt.Errorf("store: creating %s: %w", rawPath, err)
	}
	return &Run{jsonFile: jf, rawFile: rf}, nil
}

// WriteRaw appends one chunk of the detector's raw octet stream, as
// received and byte-for-byte (no re-decoding).
func (r *Run) WriteRaw(chunk []byte) error {
	_, err := r.rawFile.Write(chunk)
	return err
}

// RawWriter exposes the raw stream sink as an io.Writer so a decode
// loop can tee the socket read into it without importing this package
// directly into the hot path.
func (r *Run) RawWriter() io.Writer { return r.rawFile }

func (r *Run) Close() error {
	err1 := r.jsonFile.Close()
	err2 := r.rawFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Cube is the TileDB-backed sink for a hyperspectral acquisition's
// accumulated spectra, one attribute value per (scan position,
// channel) cell.
type Cube struct {
	ctx                       *tiledb.Context
	array                     *tiledb.Array
	scanPositions, pixelsX    uint32
}

// CreateCube declares and opens a dense TileDB array of shape
// [0, xscan*yscan) x [0, pixelsX) for write, following the teacher's
// tiledb.Config/Context/Array wiring in cmd/main.go.
func CreateCube(uri string, configURI string, scanPositions, pixelsX uint32) (*Cube, error) {
	var (
		tdbConfig *tiledb.Config
		err       error
	)
	if configURI == "" {
		tdbConfig, err = tiledb.NewConfig()
	} else {
		tdbConfig, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return nil, err
	}
	defer tdbConfig.Free()

	ctx, err := tiledb.NewContext(tdbConfig)
	if err != nil {
		return nil, err
	}

	domain, err := tiledb.NewDomain(ctx)
	if err != nil {
		return nil, err
	}
	scanDim, err := tiledb.NewDimension(ctx, "scan_position", tiledb.TILEDB_UINT32, []uint32{0, scanPositions - 1}, uint32(1))
	if err != nil {
		return nil, err
	}
	channelDim, err := tiledb.NewDimension(ctx, "channel", tiledb.TILEDB_UINT32, []uint32{0, pixelsX - 1}, uint32(1))
	if err != nil {
		return nil, err
	}
	if err := domain.AddDimensions(scanDim, channelDim); err != nil {
		return nil, err
	}

	schema, err := tiledb.NewArraySchema(ctx, tiledb.TILEDB_DENSE)
	if err != nil {
		return nil, err
	}
	if err := schema.SetDomain(domain); err != nil {
		return nil, err
	}
	if err := schema.SetCellOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}
	if err := schema.SetTileOrder(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, err
	}
	counts, err := tiledb.NewAttribute(ctx, "counts", tiledb.TILEDB_UINT64)
	if err != nil {
		return nil, err
	}
	filters, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return nil, err
	}
	defer filters.Free()
	zstd, err := ZstdFilter(ctx, 16)
	if err != nil {
		return nil, err
	}
	defer zstd.Free()
	if err := AddFilters(filters, zstd); err != nil {
		return nil, err
	}
	if err := counts.SetFilterList(filters); err != nil {
		return nil, err
	}
	if err := schema.AddAttributes(counts); err != nil {
		return nil, err
	}

	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := array.Create(schema); err != nil {
		array.Free()
		return nil, err
	}
	array.Free()

	writable, err := ArrayOpen(ctx, uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return nil, err
	}
	return &Cube{ctx: ctx, array: writable, scanPositions: scanPositions, pixelsX: pixelsX}, nil
}

// ArrayOpen opens uri in the given mode, freeing the handle on error.
// Grounded on the teacher's identical helper in tiledb.go.
func ArrayOpen(ctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := array.Open(mode); err != nil {
		array.Free()
		return nil, err
	}
	return array, nil
}

// AddFilters sequentially appends compression filters to a pipeline,
// grounded on the teacher's identical helper in tiledb.go.
func AddFilters(filterList *tiledb.FilterList, filters ...*tiledb.Filter) error {
	for _, f := range filters {
		if err := filterList.AddFilter(f); err != nil {
			return err
		}
	}
	return nil
}

// ZstdFilter builds a Zstandard compression filter at the given level,
// grounded on the teacher's identical helper in tiledb.go.
func ZstdFilter(ctx *tiledb.Context, level int32) (*tiledb.Filter, error) {
	filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
	if err != nil {
		return nil, err
	}
	if err := filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, level); err != nil {
		filt.Free()
		return nil, err
	}
	return filt, nil
}

// WriteMetadata attaches a small JSON-encodable value (typically the
// run's Settings) to the cube's array as TileDB key/value metadata,
// adapting the teacher's WriteArrayMetadata from tiledb.go to use the
// standard library encoder instead of the teacher's bespoke JsonDumps.
func (c *Cube) WriteMetadata(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.array.PutMetadata(key, string(body))
}

// Write stores the whole flattened (scanPositions x pixelsX) cube in
// one row-major query, mirroring ToTileDB's whole-array write (a
// hyperspectral run's cube is written once, at completion).
func (c *Cube) Write(flatCounts []uint64) error {
	query, err := tiledb.NewQuery(c.ctx, c.array)
	if err != nil {
		return err
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return err
	}
	if _, err := query.SetDataBuffer("counts", flatCounts); err != nil {
		return err
	}
	return query.Submit()
}

func (c *Cube) Close() error {
	err := c.array.Close()
	c.array.Free()
	c.ctx.Free()
	return err
}

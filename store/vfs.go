package store

import (
	"encoding/json"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// WriteSettingsVFS persists a run's Settings as JSON through TileDB's
// VFS layer rather than os.Create, so save-root destinations that are
// object stores (s3://, gcs://, azure://) work the same as a local
// path. Local saves should prefer Open, which keeps the file handle
// open for the lifetime of the run; this is for the object-store case
// where the whole record is written in one shot. Adapted from the
// teacher's WriteJson in json.go.
func WriteSettingsVFS(fileURI, configURI string, settings any) (int, error) {
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
		return 0, err
	}
	defer tdbConfig.Free()

	ctx, err := tiledb.NewContext(tdbConfig)
	if err != nil {
		return 0, err
	}
	defer ctx.Free()

	vfs, err := tiledb.NewVFS(ctx, tdbConfig)
	if err != nil {
		return 0, err
	}
	defer vfs.Free()

	fh, err := vfs.Open(fileURI, tiledb.TILEDB_VFS_WRITE)
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	body, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return 0, err
	}
	return fh.Write(body)
}

package store

import (
	"bytes"
	"encoding/binary"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// RawStream is satisfied by anything a saved run's raw octet file can
// be replayed from: a local *os.File, a TileDB VFS handle for a run
// saved to an object store, or an in-memory buffer. Adapted from the
// teacher's Stream interface in reader.go.
type RawStream interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
}

// OpenRawVFS opens a saved run's raw octet file through TileDB's VFS
// layer for replay. When inMemory is true the whole file is read up
// front into a bytes.Reader, which is cheaper to seek around in than
// repeated VFS reads over a slow object-store connection; otherwise
// the VFS handle itself is returned and reads come straight off the
// backing store. Adapted from the teacher's GenericStream in
// reader.go.
func OpenRawVFS(fh *tiledb.VFSfh, size uint64, inMemory bool) (RawStream, error) {
	if !inMemory {
		return fh, nil
	}
	buf := make([]byte, size)
	if err := binary.Read(fh, binary.BigEndian, &buf); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

//go:build !(sqlite_vec && cgo)

package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"causeway/internal/embedding"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Pure-Go build: modernc.org/sqlite with a registered cosine distance
// function over little-endian float32 BLOBs.
const (
	driverName   = "sqlite"
	distanceFunc = "vector_distance_cos"
)

func init() {
	// Deterministic: same input blobs produce the same distance.
	_ = sqlite.RegisterDeterministicScalarFunction(distanceFunc, 2, vecDistanceCos)
}

func buildDSN(path string, busyTimeoutMS int) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout("+strconv.Itoa(busyTimeoutMS)+")")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(normal)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED, including extended codes.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func vecDistanceCos(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, err := decodeArg(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeArg(args[1])
	if err != nil {
		return nil, err
	}
	d, err := embedding.CosineDistance(a, b)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeArg(v driver.Value) ([]float32, error) {
	switch t := v.(type) {
	case []byte:
		return embedding.DecodeVector(t)
	case nil:
		return nil, fmt.Errorf("%s: NULL vector", distanceFunc)
	default:
		return nil, fmt.Errorf("%s: unsupported argument type %T", distanceFunc, v)
	}
}

//go:build sqlite_vec && cgo

package store

import (
	"errors"
	"net/url"
	"strconv"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
)

// cgo build: mattn/go-sqlite3 with the sqlite-vec extension, whose
// vec_distance_cosine reads the same float32 BLOB layout.
const (
	driverName   = "sqlite3"
	distanceFunc = "vec_distance_cosine"
)

func init() {
	// Register sqlite-vec as an auto-loaded extension for every connection.
	vec.Auto()
}

func buildDSN(path string, busyTimeoutMS int) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", strconv.Itoa(busyTimeoutMS))
	q.Set("_foreign_keys", "1")
	q.Set("_synchronous", "NORMAL")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

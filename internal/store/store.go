// Package store persists protected storage state, the peer book, trades and
// open offers in either a SQLite database or append-only JSONL files.
package store

import (
	"fmt"
	"io"

	"tradenet/internal/peer"
	"tradenet/internal/storage"
	"tradenet/internal/trade"
)

const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// Backend is everything a node keeps across restarts.
type Backend interface {
	storage.Persistence
	peer.Persistence
	trade.Persister
	io.Closer
}

// Open returns the backend named by kind. dir holds the JSONL files;
// sqlitePath is the database file.
func Open(kind, dir, sqlitePath string) (Backend, error) {
	switch kind {
	case BackendSQLite, "":
		return NewSQLite(sqlitePath)
	case BackendJSONL:
		return NewJSONL(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

var (
	_ Backend = (*SQLite)(nil)
	_ Backend = (*JSONL)(nil)
)

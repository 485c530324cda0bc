package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/trade"
)

const (
	// SQLite pragmas for concurrent readers
	sqlitePragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
`

	createSchema = `
CREATE TABLE IF NOT EXISTS sequences (
	hash TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	time_ms INTEGER NOT NULL,
	removed INTEGER NOT NULL DEFAULT 0,
	add_once INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS entries (
	hash TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	entry TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS peers (
	address TEXT PRIMARY KEY,
	peer TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	updated_ms INTEGER NOT NULL,
	trade TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_phase ON trades(phase);
CREATE TABLE IF NOT EXISTS open_offers (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	offer TEXT NOT NULL
);
`
)

// SQLite keeps storage state, the peer list, trades and open offers in one
// database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqlitePragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(createSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LoadSequences() (map[proto.Hash]storage.SeqRecord, error) {
	rows, err := s.db.Query(`SELECT hash, seq, time_ms, removed, add_once FROM sequences`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()
	out := make(map[proto.Hash]storage.SeqRecord)
	for rows.Next() {
		var (
			hexHash string
			rec     storage.SeqRecord
		)
		if err := rows.Scan(&hexHash, &rec.Seq, &rec.TimeMs, &rec.Removed, &rec.AddOnce); err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		h, err := proto.HashFromHex(hexHash)
		if err != nil {
			continue
		}
		out[h] = rec
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSequence(h proto.Hash, rec storage.SeqRecord) error {
	_, err := s.db.Exec(`
INSERT INTO sequences (hash, seq, time_ms, removed, add_once) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET seq = excluded.seq, time_ms = excluded.time_ms,
	removed = excluded.removed, add_once = excluded.add_once`,
		h.String(), rec.Seq, rec.TimeMs, rec.Removed, rec.AddOnce)
	if err != nil {
		return fmt.Errorf("failed to save sequence: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteSequences(hs []proto.Hash) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`DELETE FROM sequences WHERE hash = ?`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, h := range hs {
		if _, err := stmt.Exec(h.String()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to delete sequence: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadEntries() ([]proto.ProtectedEntry, error) {
	var out []proto.ProtectedEntry
	err := s.scanJSON(`SELECT entry FROM entries`, func(raw []byte) error {
		var e proto.ProtectedEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *SQLite) SaveEntry(h proto.Hash, e proto.ProtectedEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO entries (hash, kind, entry) VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET kind = excluded.kind, entry = excluded.entry`,
		h.String(), string(e.Payload.Kind), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteEntry(h proto.Hash) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE hash = ?`, h.String()); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// SavePeers replaces the persisted peer list.
func (s *SQLite) SavePeers(peers []proto.ReportedPeer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM peers`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, p := range peers {
		raw, err := json.Marshal(p)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO peers (address, peer) VALUES (?, ?)`, p.Address.String(), string(raw)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to save peer: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadPeers() ([]proto.ReportedPeer, error) {
	var out []proto.ReportedPeer
	err := s.scanJSON(`SELECT peer FROM peers`, func(raw []byte) error {
		var p proto.ReportedPeer
		if err := json.Unmarshal(raw, &p); err == nil && p.Address.Valid() {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *SQLite) SaveTrade(t trade.Trade) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO trades (id, phase, updated_ms, trade) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET phase = excluded.phase, updated_ms = excluded.updated_ms, trade = excluded.trade`,
		t.ID, string(t.Phase), t.UpdatedMs, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

func (s *SQLite) LoadTrades() ([]trade.Trade, error) {
	var out []trade.Trade
	err := s.scanJSON(`SELECT trade FROM trades ORDER BY updated_ms`, func(raw []byte) error {
		var t trade.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("failed to decode trade: %w", err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *SQLite) SaveOpenOffer(o trade.OpenOffer) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO open_offers (id, state, offer) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state = excluded.state, offer = excluded.offer`,
		o.Offer.ID, string(o.State), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save open offer: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteOpenOffer(id string) error {
	if _, err := s.db.Exec(`DELETE FROM open_offers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete open offer: %w", err)
	}
	return nil
}

func (s *SQLite) LoadOpenOffers() ([]trade.OpenOffer, error) {
	var out []trade.OpenOffer
	err := s.scanJSON(`SELECT offer FROM open_offers`, func(raw []byte) error {
		var o trade.OpenOffer
		if err := json.Unmarshal(raw, &o); err != nil {
			return fmt.Errorf("failed to decode open offer: %w", err)
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *SQLite) scanJSON(query string, fn func([]byte) error) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn([]byte(raw)); err != nil {
			return err
		}
	}
	return rows.Err()
}

var (
	_ storage.Persistence = (*SQLite)(nil)
	_ trade.Persister     = (*SQLite)(nil)
)

package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tradenet/internal/proto"
	"tradenet/internal/storage"
	"tradenet/internal/trade"
)

const maxScanSize = 2 * proto.MaxFrameSize

// CompactAfter is the number of appended records after which a JSONL file is
// rewritten with only the live records.
var CompactAfter = 4096

type seqLine struct {
	Hash    proto.Hash        `json:"hash"`
	Record  storage.SeqRecord `json:"record"`
	Deleted bool              `json:"deleted,omitempty"`
}

type entryLine struct {
	Hash    proto.Hash            `json:"hash"`
	Entry   *proto.ProtectedEntry `json:"entry,omitempty"`
	Deleted bool                  `json:"deleted,omitempty"`
}

// JSONL persists storage state as append-only JSON lines. The last line for
// a hash wins; files are compacted once enough dead lines pile up.
type JSONL struct {
	mu          sync.Mutex
	seqPath     string
	entriesPath string
	peersPath   string
	tradesPath  string
	offersPath  string
	seqAppends  int
	entAppends  int
}

func NewJSONL(dir string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &JSONL{
		seqPath:     filepath.Join(dir, "sequences.jsonl"),
		entriesPath: filepath.Join(dir, "entries.jsonl"),
		peersPath:   filepath.Join(dir, "peers.jsonl"),
		tradesPath:  filepath.Join(dir, "trades.jsonl"),
		offersPath:  filepath.Join(dir, "open_offers.jsonl"),
	}, nil
}

// Close is a no-op; every write is flushed when it returns.
func (j *JSONL) Close() error { return nil }

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Sync()
}

// rewrite replaces path atomically with the encoded lines.
func rewrite[T any](path string, lines []T) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// Close before rename so Windows can replace the file.
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func readLines[T any](path string, fn func(T)) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
			fn(v)
		}
	}
	return sc.Err()
}

func (j *JSONL) loadSequences() (map[proto.Hash]storage.SeqRecord, error) {
	out := make(map[proto.Hash]storage.SeqRecord)
	err := readLines(j.seqPath, func(l seqLine) {
		if l.Deleted {
			delete(out, l.Hash)
			return
		}
		out[l.Hash] = l.Record
	})
	return out, err
}

func (j *JSONL) loadEntries() (map[proto.Hash]proto.ProtectedEntry, error) {
	out := make(map[proto.Hash]proto.ProtectedEntry)
	err := readLines(j.entriesPath, func(l entryLine) {
		if l.Deleted || l.Entry == nil {
			delete(out, l.Hash)
			return
		}
		out[l.Hash] = *l.Entry
	})
	return out, err
}

func (j *JSONL) LoadSequences() (map[proto.Hash]storage.SeqRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadSequences()
}

func (j *JSONL) SaveSequence(h proto.Hash, rec storage.SeqRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.seqPath, seqLine{Hash: h, Record: rec}); err != nil {
		return err
	}
	j.seqAppends++
	return j.maybeCompactSequences()
}

func (j *JSONL) DeleteSequences(hs []proto.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, h := range hs {
		if err := appendLine(j.seqPath, seqLine{Hash: h, Deleted: true}); err != nil {
			return err
		}
		j.seqAppends++
	}
	return j.maybeCompactSequences()
}

func (j *JSONL) LoadEntries() ([]proto.ProtectedEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadEntries()
	if err != nil {
		return nil, err
	}
	out := make([]proto.ProtectedEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out, nil
}

func (j *JSONL) SaveEntry(h proto.Hash, e proto.ProtectedEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.entriesPath, entryLine{Hash: h, Entry: &e}); err != nil {
		return err
	}
	j.entAppends++
	return j.maybeCompactEntries()
}

func (j *JSONL) DeleteEntry(h proto.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.entriesPath, entryLine{Hash: h, Deleted: true}); err != nil {
		return err
	}
	j.entAppends++
	return j.maybeCompactEntries()
}

func (j *JSONL) maybeCompactSequences() error {
	if j.seqAppends < CompactAfter {
		return nil
	}
	m, err := j.loadSequences()
	if err != nil {
		return err
	}
	lines := make([]seqLine, 0, len(m))
	for h, rec := range m {
		lines = append(lines, seqLine{Hash: h, Record: rec})
	}
	j.seqAppends = 0
	return rewrite(j.seqPath, lines)
}

func (j *JSONL) maybeCompactEntries() error {
	if j.entAppends < CompactAfter {
		return nil
	}
	m, err := j.loadEntries()
	if err != nil {
		return err
	}
	lines := make([]entryLine, 0, len(m))
	for h, e := range m {
		e := e
		lines = append(lines, entryLine{Hash: h, Entry: &e})
	}
	j.entAppends = 0
	return rewrite(j.entriesPath, lines)
}

// SavePeers replaces the persisted peer list.
func (j *JSONL) SavePeers(peers []proto.ReportedPeer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return rewrite(j.peersPath, peers)
}

func (j *JSONL) LoadPeers() ([]proto.ReportedPeer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []proto.ReportedPeer
	err := readLines(j.peersPath, func(p proto.ReportedPeer) {
		if p.Address.Valid() {
			out = append(out, p)
		}
	})
	return out, err
}

type openOfferLine struct {
	ID      string           `json:"id"`
	Offer   *trade.OpenOffer `json:"offer,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
}

func (j *JSONL) SaveTrade(t trade.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return appendLine(j.tradesPath, t)
}

// LoadTrades returns the last saved state of every trade.
func (j *JSONL) LoadTrades() ([]trade.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	latest := make(map[string]int)
	var out []trade.Trade
	err := readLines(j.tradesPath, func(t trade.Trade) {
		if i, ok := latest[t.ID]; ok {
			out[i] = t
			return
		}
		latest[t.ID] = len(out)
		out = append(out, t)
	})
	return out, err
}

func (j *JSONL) SaveOpenOffer(o trade.OpenOffer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return appendLine(j.offersPath, openOfferLine{ID: o.Offer.ID, Offer: &o})
}

func (j *JSONL) DeleteOpenOffer(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return appendLine(j.offersPath, openOfferLine{ID: id, Deleted: true})
}

func (j *JSONL) LoadOpenOffers() ([]trade.OpenOffer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m := make(map[string]trade.OpenOffer)
	err := readLines(j.offersPath, func(l openOfferLine) {
		if l.Deleted || l.Offer == nil {
			delete(m, l.ID)
			return
		}
		m[l.ID] = *l.Offer
	})
	out := make([]trade.OpenOffer, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out, err
}

var (
	_ storage.Persistence = (*JSONL)(nil)
	_ trade.Persister     = (*JSONL)(nil)
)

// Package storage is the replicated, signed, TTL-bound key/value layer every
// node holds a copy of. Entries are keyed by the hash of their payload and
// ordered per key by sequence number only, never by wall-clock time.
package storage

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"

	"tradenet/internal/crypto"
	"tradenet/internal/proto"
)

const (
	// PurgeAge bounds how long sequence records without a live entry are
	// remembered.
	PurgeAge = 10 * 24 * time.Hour

	DefaultSweepInterval = time.Minute

	MaxGetDataEntries = 5000
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidPayload Reason = "invalid_payload"
	ReasonOwnerMismatch  Reason = "owner_mismatch"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonDuplicate      Reason = "duplicate"
	ReasonStaleSequence  Reason = "stale_sequence"
	ReasonTTLExceeded    Reason = "ttl_exceeded"
	ReasonExpired        Reason = "expired"
	ReasonAlreadyRemoved Reason = "already_removed"
	ReasonUnknownEntry   Reason = "unknown_entry"
)

// Result is the outcome of a mutation. Rejections are normal and carry no
// error.
type Result struct {
	Accepted bool
	Reason   Reason
}

func accepted() Result { return Result{Accepted: true} }

func rejected(r Reason) Result { return Result{Reason: r} }

func (r Result) String() string {
	if r.Accepted {
		return "accepted"
	}
	return "rejected: " + string(r.Reason)
}

// SeqRecord remembers the highest sequence number seen for a payload hash,
// including for payloads that have since been removed.
type SeqRecord struct {
	Seq     uint64 `json:"seq"`
	TimeMs  int64  `json:"time_ms"`
	Removed bool   `json:"removed,omitempty"`
	AddOnce bool   `json:"add_once,omitempty"`
}

// Listener observes accepted adds and removes, including TTL expiry.
// Mutations of one key arriving on different goroutines may be notified out
// of order; listeners that mirror state check Get before applying.
type Listener interface {
	OnAdded(entry proto.ProtectedEntry)
	OnRemoved(entry proto.ProtectedEntry)
}

// Broadcaster relays accepted mutations to connected peers. except is the
// peer the mutation came from, if any. Implementations must not block.
type Broadcaster interface {
	Broadcast(msgType string, body any, except *proto.NodeAddress)
}

// Persistence keeps sequence records and persistable entries across
// restarts.
type Persistence interface {
	LoadSequences() (map[proto.Hash]SeqRecord, error)
	SaveSequence(h proto.Hash, rec SeqRecord) error
	DeleteSequences(hs []proto.Hash) error
	LoadEntries() ([]proto.ProtectedEntry, error)
	SaveEntry(h proto.Hash, e proto.ProtectedEntry) error
	DeleteEntry(h proto.Hash) error
}

// Observer is told about every accepted or rejected mutation.
type Observer interface {
	ObserveStorage(op, kind, hash string, accepted bool, reason string)
}

type Options struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Persistence Persistence
	Broadcaster Broadcaster
	Observer    Observer
}

type Store struct {
	mu        sync.Mutex
	clock     clock.Clock
	log       *slog.Logger
	persist   Persistence
	bcast     Broadcaster
	obs       Observer
	entries   map[proto.Hash]proto.ProtectedEntry
	sequences map[proto.Hash]SeqRecord

	// pmu orders writes to persist; each write carries the state held at
	// the time it runs.
	pmu sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener
}

func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "storage"),
		persist:   opts.Persistence,
		bcast:     opts.Broadcaster,
		obs:       opts.Observer,
		entries:   make(map[proto.Hash]proto.ProtectedEntry),
		sequences: make(map[proto.Hash]SeqRecord),
	}
}

func (s *Store) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.bcast = b
	s.mu.Unlock()
}

func (s *Store) AddListener(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Add validates and applies entry, then gossips it to every connected peer
// except sender.
func (s *Store) Add(entry proto.ProtectedEntry, sender *proto.NodeAddress) Result {
	return s.add(entry, sender, true)
}

func (s *Store) add(entry proto.ProtectedEntry, sender *proto.NodeAddress, broadcast bool) Result {
	if err := entry.Payload.Validate(); err != nil {
		return s.reject("add", entry.Payload.Kind, ReasonInvalidPayload, sender)
	}
	h, err := entry.Payload.Hash()
	if err != nil {
		return s.reject("add", entry.Payload.Kind, ReasonInvalidPayload, sender)
	}
	now := s.clock.Now()
	nowMs := now.UnixMilli()
	if entry.CreatedMs <= 0 || entry.CreatedMs > nowMs {
		entry.CreatedMs = nowMs
	}
	maxTTL := entry.Payload.MaxTTL()
	switch {
	case entry.TTLMs == 0:
		entry.TTLMs = maxTTL.Milliseconds()
	case entry.TTLMs < 0 || entry.TTL() > maxTTL:
		return s.reject("add", entry.Payload.Kind, ReasonTTLExceeded, sender)
	}
	if entry.IsExpired(now) {
		return s.reject("add", entry.Payload.Kind, ReasonExpired, sender)
	}
	if !bytes.Equal(entry.OwnerPubKey, entry.Payload.OwnerPubKey()) {
		return s.reject("add", entry.Payload.Kind, ReasonOwnerMismatch, sender)
	}

	s.mu.Lock()
	if rec, ok := s.sequences[h]; ok {
		if rec.Removed && rec.AddOnce {
			s.mu.Unlock()
			return s.reject("add", entry.Payload.Kind, ReasonAlreadyRemoved, sender)
		}
		if r := compareSeq(entry.Sequence, rec.Seq); r != ReasonNone {
			s.mu.Unlock()
			return s.reject("add", entry.Payload.Kind, r, sender)
		}
	}
	if !verifyEntry(h, entry.Sequence, entry.OwnerPubKey, entry.Signature) {
		s.mu.Unlock()
		return s.reject("add", entry.Payload.Kind, ReasonBadSignature, sender)
	}
	s.entries[h] = entry
	s.sequences[h] = SeqRecord{Seq: entry.Sequence, TimeMs: nowMs, AddOnce: entry.Payload.AddOnce()}
	bcast := s.bcast
	s.mu.Unlock()

	s.syncPersisted(h, entry.Payload.Persistable())
	s.observeAccepted("add", entry.Payload.Kind, h)
	s.notifyAdded(entry)
	if broadcast && bcast != nil {
		bcast.Broadcast(proto.MsgTypeAddData, proto.AddDataMsg{Entry: entry}, sender)
	}
	return accepted()
}

// RefreshTTL bumps the sequence number and timestamp of an existing entry
// without touching its payload.
func (s *Store) RefreshTTL(msg proto.RefreshTTLMsg, sender *proto.NodeAddress) Result {
	nowMs := s.clock.Now().UnixMilli()

	s.mu.Lock()
	entry, ok := s.entries[msg.PayloadHash]
	if !ok {
		s.mu.Unlock()
		return s.reject("refresh", "", ReasonUnknownEntry, sender)
	}
	if r := compareSeq(msg.Sequence, s.sequences[msg.PayloadHash].Seq); r != ReasonNone {
		s.mu.Unlock()
		return s.reject("refresh", "", r, sender)
	}
	if !verifyEntry(msg.PayloadHash, msg.Sequence, entry.OwnerPubKey, msg.Signature) {
		s.mu.Unlock()
		return s.reject("refresh", "", ReasonBadSignature, sender)
	}
	entry.Sequence = msg.Sequence
	entry.Signature = msg.Signature
	entry.CreatedMs = nowMs
	s.entries[msg.PayloadHash] = entry
	s.sequences[msg.PayloadHash] = SeqRecord{Seq: msg.Sequence, TimeMs: nowMs, AddOnce: entry.Payload.AddOnce()}
	bcast := s.bcast
	s.mu.Unlock()

	s.syncPersisted(msg.PayloadHash, entry.Payload.Persistable())
	s.observeAccepted("refresh", entry.Payload.Kind, msg.PayloadHash)
	if bcast != nil {
		bcast.Broadcast(proto.MsgTypeRefreshTTL, msg, sender)
	}
	return accepted()
}

// Remove deletes the entry for entry.Payload. The entry must be signed by
// the payload's remover key with a higher sequence number than any seen. A
// remove for an absent entry is still recorded and relayed so a late add
// with a lower sequence number is rejected everywhere.
func (s *Store) Remove(entry proto.ProtectedEntry, sender *proto.NodeAddress) Result {
	if err := entry.Payload.Validate(); err != nil {
		return s.reject("remove", entry.Payload.Kind, ReasonInvalidPayload, sender)
	}
	h, err := entry.Payload.Hash()
	if err != nil {
		return s.reject("remove", entry.Payload.Kind, ReasonInvalidPayload, sender)
	}
	if !bytes.Equal(entry.OwnerPubKey, entry.Payload.RemoverPubKey()) {
		return s.reject("remove", entry.Payload.Kind, ReasonOwnerMismatch, sender)
	}
	nowMs := s.clock.Now().UnixMilli()

	s.mu.Lock()
	if rec, ok := s.sequences[h]; ok {
		if r := compareSeq(entry.Sequence, rec.Seq); r != ReasonNone {
			s.mu.Unlock()
			return s.reject("remove", entry.Payload.Kind, r, sender)
		}
	}
	if !verifyEntry(h, entry.Sequence, entry.OwnerPubKey, entry.Signature) {
		s.mu.Unlock()
		return s.reject("remove", entry.Payload.Kind, ReasonBadSignature, sender)
	}
	stored, existed := s.entries[h]
	delete(s.entries, h)
	s.sequences[h] = SeqRecord{Seq: entry.Sequence, TimeMs: nowMs, Removed: true, AddOnce: entry.Payload.AddOnce()}
	bcast := s.bcast
	s.mu.Unlock()

	s.syncPersisted(h, entry.Payload.Persistable())
	s.observeAccepted("remove", entry.Payload.Kind, h)
	if existed {
		s.notifyRemoved(stored)
	}
	if bcast != nil {
		msgType := proto.MsgTypeRemoveData
		if entry.Payload.Kind == proto.PayloadMailbox {
			msgType = proto.MsgTypeRemoveMailboxData
		}
		bcast.Broadcast(msgType, proto.RemoveDataMsg{Entry: entry}, sender)
	}
	return accepted()
}

// compareSeq accepts only strictly increasing sequence numbers.
func compareSeq(got, held uint64) Reason {
	switch {
	case got > held:
		return ReasonNone
	case got == held:
		return ReasonDuplicate
	default:
		return ReasonStaleSequence
	}
}

func verifyEntry(h proto.Hash, seq uint64, pub, sig []byte) bool {
	digest, err := proto.SignatureDigest(h, seq)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, digest[:], sig)
}

func (s *Store) reject(op string, kind proto.PayloadKind, r Reason, sender *proto.NodeAddress) Result {
	from := ""
	if sender != nil {
		from = sender.String()
	}
	s.log.Debug("entry rejected", "op", op, "reason", r, "from", from)
	if s.obs != nil {
		s.obs.ObserveStorage(op, string(kind), "", false, string(r))
	}
	return rejected(r)
}

func (s *Store) observeAccepted(op string, kind proto.PayloadKind, h proto.Hash) {
	if s.obs != nil {
		s.obs.ObserveStorage(op, string(kind), h.String(), true, "")
	}
}

// Sweep purges expired entries and forgets stale sequence records. Purging is
// local; every peer expires entries on its own schedule.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	nowMs := now.UnixMilli()

	var expired []proto.ProtectedEntry
	var expiredHashes, forgotten []proto.Hash
	s.mu.Lock()
	for h, e := range s.entries {
		if e.IsExpired(now) {
			expired = append(expired, e)
			expiredHashes = append(expiredHashes, h)
			delete(s.entries, h)
		}
	}
	for h, rec := range s.sequences {
		if _, live := s.entries[h]; live {
			continue
		}
		if seqRecordStale(rec, nowMs) {
			forgotten = append(forgotten, h)
			delete(s.sequences, h)
		}
	}
	s.mu.Unlock()

	for i, e := range expired {
		if e.Payload.Persistable() {
			s.syncPersisted(expiredHashes[i], true)
		}
		s.notifyRemoved(e)
	}
	if len(forgotten) > 0 && s.persist != nil {
		s.pmu.Lock()
		if err := s.persist.DeleteSequences(forgotten); err != nil {
			s.log.Warn("sequence purge failed", "err", err)
		}
		s.pmu.Unlock()
	}
	if len(expired) > 0 {
		s.log.Debug("expired entries purged", "count", len(expired))
	}
	return len(expired)
}

// seqRecordStale keeps add-once removal markers for as long as the longest
// mailbox lifetime so a replayed mailbox entry cannot come back.
func seqRecordStale(rec SeqRecord, nowMs int64) bool {
	age := time.Duration(nowMs-rec.TimeMs) * time.Millisecond
	if rec.Removed && rec.AddOnce {
		return age > proto.MailboxTTL
	}
	return age > PurgeAge
}

// Run sweeps on every tick until ctx is done. onSwept, if set, receives the
// number of entries each sweep purged.
func (s *Store) Run(ctx context.Context, interval time.Duration, onSwept func(int)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := s.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := s.Sweep()
			if onSwept != nil {
				onSwept(n)
			}
		}
	}
}

// Load restores persisted sequence records and entries. Listeners
// registered before Load see restored entries as adds.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	seqs, err := s.persist.LoadSequences()
	if err != nil {
		return err
	}
	entries, err := s.persist.LoadEntries()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	nowMs := now.UnixMilli()

	var stale []proto.Hash
	var restored []proto.ProtectedEntry
	s.mu.Lock()
	for h, rec := range seqs {
		if seqRecordStale(rec, nowMs) {
			stale = append(stale, h)
			continue
		}
		s.sequences[h] = rec
	}
	for _, e := range entries {
		h, err := e.Payload.Hash()
		if err != nil || e.IsExpired(now) {
			continue
		}
		if rec, ok := s.sequences[h]; ok && (rec.Removed || rec.Seq > e.Sequence) {
			continue
		}
		s.entries[h] = e
		if _, ok := s.sequences[h]; !ok {
			s.sequences[h] = SeqRecord{Seq: e.Sequence, TimeMs: nowMs, AddOnce: e.Payload.AddOnce()}
		}
		restored = append(restored, e)
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		if err := s.persist.DeleteSequences(stale); err != nil {
			return err
		}
	}
	for _, e := range restored {
		s.notifyAdded(e)
	}
	s.log.Info("storage loaded", "entries", len(restored), "sequences", len(seqs)-len(stale))
	return nil
}

func (s *Store) Get(h proto.Hash) (proto.ProtectedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	return e, ok
}

// Sequence returns the highest sequence number recorded for h.
func (s *Store) Sequence(h proto.Hash) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sequences[h]
	return rec.Seq, ok
}

// List returns live entries of kind, or all entries when kind is empty.
func (s *Store) List(kind proto.PayloadKind) []proto.ProtectedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.ProtectedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if kind == "" || e.Payload.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) notifyAdded(e proto.ProtectedEntry) {
	s.lmu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range ls {
		l.OnAdded(e)
	}
}

func (s *Store) notifyRemoved(e proto.ProtectedEntry) {
	s.lmu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()
	for _, l := range ls {
		l.OnRemoved(e)
	}
}

// syncPersisted writes the record and, for persistable payloads, the entry
// currently held for h. Every mutation calls it after committing, so the
// last write for a key always carries its newest state.
func (s *Store) syncPersisted(h proto.Hash, persistable bool) {
	if s.persist == nil {
		return
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.mu.Lock()
	rec, hasRec := s.sequences[h]
	entry, live := s.entries[h]
	s.mu.Unlock()

	if hasRec {
		if err := s.persist.SaveSequence(h, rec); err != nil {
			s.log.Warn("persist sequence failed", "hash", h.String(), "err", err)
		}
	}
	if !persistable {
		return
	}
	if live {
		if err := s.persist.SaveEntry(h, entry); err != nil {
			s.log.Warn("persist entry failed", "hash", h.String(), "err", err)
		}
		return
	}
	if err := s.persist.DeleteEntry(h); err != nil {
		s.log.Warn("delete entry failed", "hash", h.String(), "err", err)
	}
}

// Republish gossips the held entry for h again without changing it. It is
// used to push own mailbox entries after a restart.
func (s *Store) Republish(h proto.Hash) bool {
	s.mu.Lock()
	e, ok := s.entries[h]
	bcast := s.bcast
	s.mu.Unlock()
	if !ok || bcast == nil {
		return false
	}
	bcast.Broadcast(proto.MsgTypeAddData, proto.AddDataMsg{Entry: e}, nil)
	return true
}

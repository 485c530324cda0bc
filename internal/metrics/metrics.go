package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradenet"

// StorageEvent is one entry in the recent-changes ring shown by `status`.
type StorageEvent struct {
	Hash   string    `json:"hash"`
	Kind   string    `json:"kind"`
	Op     string    `json:"op"`
	Result string    `json:"result"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Storage        StorageMetrics    `json:"storage"`
	Gossip         GossipMetrics     `json:"gossip"`
	Trade          TradeMetrics      `json:"trade"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Recent         []StorageEvent    `json:"recent"`
}

type StorageMetrics struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Removed  uint64 `json:"removed"`
	Expired  uint64 `json:"expired"`
}

type GossipMetrics struct {
	Broadcast    uint64 `json:"broadcast"`
	BroadcastErr uint64 `json:"broadcast_err"`
}

type TradeMetrics struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Faulted   uint64 `json:"faulted"`
	Mailbox   uint64 `json:"mailbox_stored"`
}

// Metrics keeps cheap atomic counters for the JSON snapshot and mirrors them
// into a private prometheus registry for textfile export.
type Metrics struct {
	storageAccepted atomic.Uint64
	storageRejected atomic.Uint64
	storageRemoved  atomic.Uint64
	storageExpired  atomic.Uint64
	broadcast       atomic.Uint64
	broadcastErr    atomic.Uint64
	tradeStarted    atomic.Uint64
	tradeCompleted  atomic.Uint64
	tradeFaulted    atomic.Uint64
	mailboxStored   atomic.Uint64
	currentConns    atomic.Int64
	currentStreams  atomic.Int64

	mapsMu       sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent

	registry    *prometheus.Registry
	storageOps  *prometheus.CounterVec
	messages    *prometheus.CounterVec
	drops       *prometheus.CounterVec
	trades      *prometheus.CounterVec
	broadcasts  prometheus.Counter
	conns       prometheus.Gauge
	streams     prometheus.Gauge
	storedItems *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
		registry:     prometheus.NewRegistry(),
		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Protected storage operations by op and result.",
		}, []string{"op", "result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Received envelopes by message type.",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Dropped envelopes by reason.",
		}, []string{"reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "events_total",
			Help:      "Trade lifecycle events.",
		}, []string{"event"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Storage messages flooded to peers.",
		}),
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently connected peers.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Currently open inbound streams.",
		}),
		storedItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "entries",
			Help:      "Live protected entries by payload kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.storageOps, m.messages, m.drops, m.trades, m.broadcasts, m.conns, m.streams, m.storedItems)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

// ObserveStorage records the outcome of an add, remove or refresh.
func (m *Metrics) ObserveStorage(op, kind, hash string, accepted bool, reason string) {
	result := "accepted"
	if accepted {
		if op == "remove" {
			m.storageRemoved.Add(1)
		} else {
			m.storageAccepted.Add(1)
		}
	} else {
		m.storageRejected.Add(1)
		result = reason
	}
	m.storageOps.WithLabelValues(op, result).Inc()
	m.recent.Add(StorageEvent{Hash: hash, Kind: kind, Op: op, Result: result, At: time.Now().UTC()})
}

func (m *Metrics) AddExpired(n int) {
	if n <= 0 {
		return
	}
	m.storageExpired.Add(uint64(n))
	m.storageOps.WithLabelValues("expire", "accepted").Add(float64(n))
}

func (m *Metrics) SetStoredEntries(kind string, n int) {
	m.storedItems.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) IncBroadcast(failed int) {
	m.broadcast.Add(1)
	m.broadcasts.Inc()
	if failed > 0 {
		m.broadcastErr.Add(uint64(failed))
	}
}

func (m *Metrics) IncTradeStarted() {
	m.tradeStarted.Add(1)
	m.trades.WithLabelValues("started").Inc()
}

func (m *Metrics) IncTradeCompleted() {
	m.tradeCompleted.Add(1)
	m.trades.WithLabelValues("completed").Inc()
}

func (m *Metrics) IncTradeFaulted() {
	m.tradeFaulted.Add(1)
	m.trades.WithLabelValues("faulted").Inc()
}

func (m *Metrics) IncMailboxStored() {
	m.mailboxStored.Add(1)
	m.trades.WithLabelValues("mailbox_stored").Inc()
}

func (m *Metrics) IncRecvByType(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	m.mapsMu.Lock()
	m.recvByType[msgType]++
	m.mapsMu.Unlock()
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mapsMu.Lock()
	m.dropByReason[reason]++
	m.mapsMu.Unlock()
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCurrentConns(n int64) {
	m.currentConns.Store(n)
	m.conns.Set(float64(n))
}

func (m *Metrics) SetCurrentStreams(n int64) {
	m.currentStreams.Store(n)
	m.streams.Set(float64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	m.mapsMu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drop := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drop[k] = v
	}
	m.mapsMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Storage: StorageMetrics{
			Accepted: m.storageAccepted.Load(),
			Rejected: m.storageRejected.Load(),
			Removed:  m.storageRemoved.Load(),
			Expired:  m.storageExpired.Load(),
		},
		Gossip: GossipMetrics{
			Broadcast:    m.broadcast.Load(),
			BroadcastErr: m.broadcastErr.Load(),
		},
		Trade: TradeMetrics{
			Started:   m.tradeStarted.Load(),
			Completed: m.tradeCompleted.Load(),
			Faulted:   m.tradeFaulted.Load(),
			Mailbox:   m.mailboxStored.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drop,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Recent:         m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []StorageEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(ev StorageEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *Recent) List() []StorageEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StorageEvent, len(r.list))
	copy(out, r.list)
	return out
}

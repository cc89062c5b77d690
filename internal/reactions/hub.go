package reactions

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/metrics"
)

// Peer is one open connection as seen by the hub.
type Peer interface {
	Identity() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
}

// Hub tracks which peers listen on which subject and which peers belong to
// an identity. It is safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[Peer]struct{}
	byIdentity map[string]map[Peer]struct{}

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates an empty hub. metricsCollector may be nil.
func NewHub(metricsCollector *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[Peer]struct{}),
		byIdentity: make(map[string]map[Peer]struct{}),
		metrics:    metricsCollector,
		logger:     log,
	}
}

// Connect makes p reachable for private notifications.
func (h *Hub) Connect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.byIdentity[p.Identity()]
	if !ok {
		peers = make(map[Peer]struct{})
		h.byIdentity[p.Identity()] = peers
	}
	peers[p] = struct{}{}
}

// Disconnect removes p from its identity and from every subject.
func (h *Hub) Disconnect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if peers, ok := h.byIdentity[p.Identity()]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.byIdentity, p.Identity())
		}
	}
	for subject, room := range h.rooms {
		delete(room, p)
		if len(room) == 0 {
			delete(h.rooms, subject)
		}
	}
	h.observeListenersLocked()
}

// Join subscribes p to subject and returns the subject's listener count.
func (h *Hub) Join(subject string, p Peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[subject]
	if !ok {
		room = make(map[Peer]struct{})
		h.rooms[subject] = room
	}
	room[p] = struct{}{}
	h.observeListenersLocked()
	return len(room)
}

// Leave unsubscribes p from subject and returns the remaining listener count.
func (h *Hub) Leave(subject string, p Peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[subject]
	if !ok {
		return 0
	}
	delete(room, p)
	remaining := len(room)
	if remaining == 0 {
		delete(h.rooms, subject)
	}
	h.observeListenersLocked()
	return remaining
}

// Listeners returns the distinct identities listening on subject, sorted.
func (h *Hub) Listeners(subject string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for p := range h.rooms[subject] {
		seen[p.Identity()] = struct{}{}
	}
	identities := make([]string, 0, len(seen))
	for identity := range seen {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// Connections returns the number of connected peers.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, peers := range h.byIdentity {
		n += len(peers)
	}
	return n
}

// Broadcast sends frame to every listener of subject and returns how many
// peers accepted it.
func (h *Hub) Broadcast(subject string, frame Frame) int {
	msg, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("subject_id", subject).Msg("reactions.frame_encode_failed")
		return 0
	}

	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[subject]))
	for p := range h.rooms[subject] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg)
}

// Notify sends frame to every connection of identity.
func (h *Hub) Notify(identity string, frame Frame) int {
	msg, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("reactions.frame_encode_failed")
		return 0
	}

	h.mu.RLock()
	targets := make([]Peer, 0, len(h.byIdentity[identity]))
	for p := range h.byIdentity[identity] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg)
}

func (h *Hub) deliver(targets []Peer, msg []byte) int {
	delivered := 0
	for _, p := range targets {
		if p.Send(msg) {
			delivered++
			continue
		}
		h.logger.Warn().Str("identity", p.Identity()).Msg("reactions.peer_buffer_full")
	}
	return delivered
}

// observeListenersLocked publishes the number of (subject, identity) pairs.
func (h *Hub) observeListenersLocked() {
	if h.metrics == nil {
		return
	}
	n := 0
	for _, room := range h.rooms {
		seen := make(map[string]struct{}, len(room))
		for p := range room {
			seen[p.Identity()] = struct{}{}
		}
		n += len(seen)
	}
	h.metrics.ObserveListeners(n)
}

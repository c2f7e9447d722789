package main

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/horgh/chatbox/ratelimit"
	"github.com/horgh/chatbox/wire"
)

// sendQueueSize is the capacity of each client's outbound queue. We don't
// want to block sending to a client from another client's session. The
// queue should only max out in case of connection issues.
const sendQueueSize = 64

// Rename errors.
var (
	ErrNickTaken     = errors.New("nickname already taken")
	ErrUnknownClient = errors.New("unknown client")
)

// Client holds state about a single connected client. The Hub owns it;
// sessions refer to their client by id.
type Client struct {
	// A unique id.
	ID uint64

	// Not canonicalized.
	Nick string

	IP net.IP

	// WriteChan is the channel to send to to write to the client. The
	// session's writer goroutine drains it.
	WriteChan chan wire.ServerMsg

	// conn lets the hub force the client's socket closed when another
	// session evicts it.
	conn io.Closer
}

// rateState pairs a limiter with its one-warning flag.
type rateState struct {
	limiter *ratelimit.Limiter
	warned  bool
}

// RateVerdict is the outcome of a rate check.
type RateVerdict int

// Rate check outcomes.
const (
	RateOK RateVerdict = iota
	RateWarn
	RateDisconnect
)

// Hub is the registry of all connected clients plus shared rate limit
// state. One mutex guards everything. The critical sections are bounded and
// contain no I/O, so a single lock is enough; broadcast performs only
// non-blocking channel sends while holding it.
type Hub struct {
	mu sync.Mutex

	// Client id to Client.
	clients map[uint64]*Client

	// Canonicalized nicknames in use.
	nicks map[string]struct{}

	nextID uint64

	// IP literal to rate state. Entries survive disconnects so a reconnect
	// does not reset the counter.
	ipRates map[string]*rateState

	// Client id to rate state. Dropped with the client.
	connRates map[uint64]*rateState

	connLimit int
	ipLimit   int
}

// NewHub creates a Hub with the given per connection and per IP event
// limits (events per second).
func NewHub(connLimit, ipLimit int) *Hub {
	return &Hub{
		clients:   make(map[uint64]*Client),
		nicks:     make(map[string]struct{}),
		nextID:    1,
		ipRates:   make(map[string]*rateState),
		connRates: make(map[uint64]*rateState),
		connLimit: connLimit,
		ipLimit:   ipLimit,
	}
}

// AddClient registers a client and returns its handle. The write channel is
// the session's outbound queue; conn lets an evicting peer close the
// client's socket. The connection limiter is fresh; the IP limiter is
// reused if one exists.
func (h *Hub) AddClient(
	nick string,
	ip net.IP,
	writeChan chan wire.ServerMsg,
	conn io.Closer,
) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	client := &Client{
		ID:        id,
		Nick:      nick,
		IP:        ip,
		WriteChan: writeChan,
		conn:      conn,
	}

	h.clients[id] = client
	h.nicks[canonicalizeNick(nick)] = struct{}{}
	h.connRates[id] = &rateState{
		limiter: ratelimit.New(h.connLimit, time.Second),
	}

	key := ip.String()
	if _, ok := h.ipRates[key]; !ok {
		h.ipRates[key] = &rateState{
			limiter: ratelimit.New(h.ipLimit, time.Second),
		}
	}

	return client
}

// RemoveClient unregisters a client and returns its handle, or nil if it
// was already removed. The IP rate state is deliberately retained.
func (h *Hub) RemoveClient(id uint64) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return nil
	}

	delete(h.clients, id)
	delete(h.nicks, canonicalizeNick(client.Nick))
	delete(h.connRates, id)

	return client
}

// NickTaken reports whether the nick is in use, case-insensitively.
func (h *Hub) NickTaken(nick string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.nicks[canonicalizeNick(nick)]
	return ok
}

// Rename changes a client's nick. Renaming to the current nick (in any
// case) succeeds without change.
func (h *Hub) Rename(id uint64, nick string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}

	canon := canonicalizeNick(nick)
	if canonicalizeNick(client.Nick) == canon {
		return nil
	}

	if _, taken := h.nicks[canon]; taken {
		return ErrNickTaken
	}

	delete(h.nicks, canonicalizeNick(client.Nick))
	h.nicks[canon] = struct{}{}
	client.Nick = nick

	return nil
}

// ListNicks returns a snapshot of the connected clients' display nicks.
func (h *Hub) ListNicks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	nicks := make([]string, 0, len(h.clients))
	for _, client := range h.clients {
		nicks = append(nicks, client.Nick)
	}
	return nicks
}

// Broadcast queues the message to every client. The send does not block; a
// client whose queue is full misses the message.
func (h *Hub) Broadcast(msg wire.ServerMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		select {
		case client.WriteChan <- msg:
		default:
			log.WithFields(log.Fields{
				"client_id": id,
				"nick":      client.Nick,
			}).Warn("client queue full, dropping message")
		}
	}
}

// BroadcastWithDisconnects queues the message to every client and returns
// the ids of clients whose queue was full, so the caller can evict them.
func (h *Hub) BroadcastWithDisconnects(msg wire.ServerMsg) []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var full []uint64
	for id, client := range h.clients {
		select {
		case client.WriteChan <- msg:
		default:
			full = append(full, id)
		}
	}
	return full
}

// CheckRate counts one event against both the client's connection limiter
// and its IP's limiter and returns the combined verdict. A limiter that
// admits the event clears its warning flag; one that rejects it warns once
// and demands a disconnect the next time.
func (h *Hub) CheckRate(id uint64, ip net.IP) RateVerdict {
	h.mu.Lock()
	defer h.mu.Unlock()

	verdict := RateOK

	if state, ok := h.connRates[id]; ok {
		verdict = checkOne(state, verdict)
	}

	key := ip.String()
	state, ok := h.ipRates[key]
	if !ok {
		state = &rateState{limiter: ratelimit.New(h.ipLimit, time.Second)}
		h.ipRates[key] = state
	}
	verdict = checkOne(state, verdict)

	return verdict
}

// checkOne folds one limiter's result into the verdict so far.
func checkOne(state *rateState, verdict RateVerdict) RateVerdict {
	if state.limiter.Allow() {
		state.warned = false
		return verdict
	}

	if state.warned {
		return RateDisconnect
	}

	state.warned = true
	if verdict == RateOK {
		return RateWarn
	}
	return verdict
}

// Evict removes the client and closes its socket so its session unwinds.
// It returns the removed handle, or nil if the client was already gone.
func (h *Hub) Evict(id uint64) *Client {
	client := h.RemoveClient(id)
	if client == nil {
		return nil
	}

	if client.conn != nil {
		_ = client.conn.Close()
	}

	return client
}

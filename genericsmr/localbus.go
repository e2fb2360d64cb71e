package genericsmr

import (
	"sort"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

// LocalBus connects replicas living in one process. Nothing moves until the
// owner delivers it, so tests decide order, loss and partitions.
type LocalBus struct {
	mu       sync.Mutex
	nodes    map[string]*LocalNetwork
	isolated map[string]bool
	clients  map[string][]epaxosproto.Message
	dropped  int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		nodes:    make(map[string]*LocalNetwork),
		isolated: make(map[string]bool),
		clients:  make(map[string][]epaxosproto.Message),
	}
}

// LocalNetwork is one replica's end of the bus. Sent messages wait in its
// outbox until delivered.
type LocalNetwork struct {
	bus      *LocalBus
	id       string
	handlers cmap.ConcurrentMap
	outbox   []epaxosproto.Message
}

// Node returns the network of id, creating it on first use.
func (b *LocalBus) Node(id string) *LocalNetwork {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok {
		return n
	}
	n := &LocalNetwork{bus: b, id: id, handlers: cmap.New()}
	b.nodes[id] = n
	return n
}

func (b *LocalBus) nodeIds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Partition cuts the given replicas off from everyone, clients included.
func (b *LocalBus) Partition(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.isolated[id] = true
	}
}

func (b *LocalBus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isolated = make(map[string]bool)
}

// Deliver hands m to its destination. Messages to or from an isolated
// replica are lost, and anything not addressed to a replica lands in the
// client inbox of its destination.
func (b *LocalBus) Deliver(m epaxosproto.Message) bool {
	h := m.Head()
	b.mu.Lock()
	if b.isolated[h.Src] || b.isolated[h.Dest] {
		b.dropped++
		b.mu.Unlock()
		return false
	}
	n, ok := b.nodes[h.Dest]
	if !ok {
		b.clients[h.Dest] = append(b.clients[h.Dest], m)
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()
	n.Receive(m)
	return true
}

// Step delivers the oldest pending message of every replica once, in id
// order, and reports whether anything moved.
func (b *LocalBus) Step() bool {
	moved := false
	for _, id := range b.nodeIds() {
		n := b.Node(id)
		if m, ok := n.Poll(); ok {
			b.Deliver(m)
			moved = true
		}
	}
	return moved
}

// Flush delivers until no replica has anything left to send.
func (b *LocalBus) Flush() {
	for b.Step() {
	}
}

// ClientInbox returns what has been sent to a client so far and forgets it.
func (b *LocalBus) ClientInbox(clientId string) []epaxosproto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.clients[clientId]
	delete(b.clients, clientId)
	return msgs
}

func (b *LocalBus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (n *LocalNetwork) Id() string {
	return n.id
}

func (n *LocalNetwork) Send(m epaxosproto.Message) {
	if m.Head().Src == "" {
		m.Head().Src = n.id
	}
	n.bus.mu.Lock()
	n.outbox = append(n.outbox, m)
	n.bus.mu.Unlock()
}

func (n *LocalNetwork) RegisterHandler(kind epaxosproto.MessageKind, handler func(epaxosproto.Message)) {
	n.handlers.Set(strconv.Itoa(int(kind)), handler)
}

// Receive runs the handler registered for m's kind.
func (n *LocalNetwork) Receive(m epaxosproto.Message) {
	h, ok := n.handlers.Get(strconv.Itoa(int(m.Kind())))
	if !ok {
		dlog.Warningf("Replica %s: no handler for %s from %s", n.id, m.Kind(), m.Head().Src)
		return
	}
	h.(func(epaxosproto.Message))(m)
}

// Poll takes the oldest message out of the outbox.
func (n *LocalNetwork) Poll() (epaxosproto.Message, bool) {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	if len(n.outbox) == 0 {
		return nil, false
	}
	m := n.outbox[0]
	n.outbox = n.outbox[1:]
	return m, true
}

// Drain empties the outbox without delivering anything.
func (n *LocalNetwork) Drain() []epaxosproto.Message {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	msgs := n.outbox
	n.outbox = nil
	return msgs
}

func (n *LocalNetwork) Pending() []epaxosproto.Message {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	return append([]epaxosproto.Message(nil), n.outbox...)
}

package genericsmr

import (
	"bufio"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	reuse "github.com/portmapping/go-reuse"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/fastrpc"
)

// clientHello is what a client sends in its HELLO frame instead of a
// replica id.
const clientHello = ""

type conn struct {
	id     string
	c      net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mutex  sync.Mutex
}

func newConn(id string, c net.Conn) *conn {
	return &conn{id: id, c: c, reader: bufio.NewReader(c), writer: bufio.NewWriter(c)}
}

func (cn *conn) send(code uint8, payload []byte) error {
	cn.mutex.Lock()
	defer cn.mutex.Unlock()
	if err := fastrpc.WriteFrame(cn.writer, code, payload); err != nil {
		return err
	}
	return cn.writer.Flush()
}

// TCPNetwork is a full mesh between replicas plus any number of client
// connections. Each replica dials the peers sorted before it and accepts
// the others, so every pair shares exactly one connection.
type TCPNetwork struct {
	self     string
	addrs    map[string]string
	listener net.Listener
	handlers cmap.ConcurrentMap
	peers    cmap.ConcurrentMap
	// clients maps a client id to the connection it last wrote from
	clients cmap.ConcurrentMap
	conns   cmap.ConcurrentMap
	msgId   int64
	closed  int32
	sleep   func(time.Duration)
}

func NewTCPNetwork(self string, addrs map[string]string) (*TCPNetwork, error) {
	if _, ok := addrs[self]; !ok {
		return nil, errors.New("genericsmr: no address for " + self)
	}
	return &TCPNetwork{
		self:     self,
		addrs:    addrs,
		handlers: cmap.New(),
		peers:    cmap.New(),
		clients:  cmap.New(),
		conns:    cmap.New(),
		sleep:    time.Sleep,
	}, nil
}

func (t *TCPNetwork) peerIds() []string {
	ids := make([]string, 0, len(t.addrs))
	for id := range t.addrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Listen binds the replica's address and starts accepting replicas and
// clients.
func (t *TCPNetwork) Listen() error {
	l, err := reuse.Listen("tcp", t.addrs[t.self])
	if err != nil {
		return err
	}
	t.listener = l
	go t.acceptLoop()
	return nil
}

const maxAcceptDelay = time.Second

// acceptRetryDelay doubles the pause after each consecutive Accept failure,
// starting at 5ms and capped at maxAcceptDelay.
func acceptRetryDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if prev*2 > maxAcceptDelay {
		return maxAcceptDelay
	}
	return prev * 2
}

func (t *TCPNetwork) acceptLoop() {
	var delay time.Duration
	for atomic.LoadInt32(&t.closed) == 0 {
		c, err := t.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.closed) != 0 {
				return
			}
			delay = acceptRetryDelay(delay)
			dlog.Warningf("Accept error: %v; retrying in %v", err, delay)
			t.sleep(delay)
			continue
		}
		delay = 0
		go t.handshake(c)
	}
}

func (t *TCPNetwork) handshake(c net.Conn) {
	cn := newConn(uuid.New().String(), c)
	code, payload, err := fastrpc.ReadFrame(cn.reader)
	if err != nil || code != fastrpc.HELLO {
		dlog.Warningf("Connection establish error from %v: %v", c.RemoteAddr(), err)
		c.Close()
		return
	}
	t.conns.Set(cn.id, cn)
	if peer := string(payload); peer != clientHello {
		if _, known := t.addrs[peer]; !known {
			dlog.Warningf("Connection from unknown replica %s", peer)
			t.drop(cn)
			return
		}
		t.peers.Set(peer, cn)
		dlog.Infof("IN Connected to %s", peer)
	} else {
		dlog.Infof("Client up %v (%s)", c.RemoteAddr(), cn.id)
	}
	t.listen(cn)
}

// ConnectToPeers dials the replicas sorted before this one from the listening
// port, retrying until each answers, then waits for the rest to dial in.
func (t *TCPNetwork) ConnectToPeers() {
	for _, id := range t.peerIds() {
		if id >= t.self {
			break
		}
		t.connectToPeer(id)
	}
	for t.peers.Count() < len(t.addrs)-1 && atomic.LoadInt32(&t.closed) == 0 {
		time.Sleep(100 * time.Millisecond)
	}
	dlog.Infof("Replica id: %s. Done connecting to peers %v", t.self, t.peerIds())
}

func (t *TCPNetwork) connectToPeer(id string) {
	for atomic.LoadInt32(&t.closed) == 0 {
		c, err := reuse.Dial("tcp", t.addrs[t.self], t.addrs[id])
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		cn := newConn(uuid.New().String(), c)
		if err := cn.send(fastrpc.HELLO, []byte(t.self)); err != nil {
			dlog.Warningf("Write id error: %v", err)
			c.Close()
			time.Sleep(time.Second)
			continue
		}
		t.conns.Set(cn.id, cn)
		t.peers.Set(id, cn)
		dlog.Infof("OUT Connected to %s", id)
		go t.listen(cn)
		return
	}
}

func (t *TCPNetwork) listen(cn *conn) {
	for atomic.LoadInt32(&t.closed) == 0 {
		code, payload, err := fastrpc.ReadFrame(cn.reader)
		if err != nil {
			break
		}
		if code != fastrpc.MSG {
			dlog.Warningf("Unexpected frame %d on %s", code, cn.id)
			continue
		}
		m, err := epaxosproto.Unmarshal(payload)
		if err != nil {
			dlog.Warningf("Dropping frame on %s: %v", cn.id, err)
			continue
		}
		if !m.Kind().Internal() {
			t.clients.Set(m.Head().Src, cn)
		}
		t.dispatch(m)
	}
	t.drop(cn)
}

func (t *TCPNetwork) drop(cn *conn) {
	cn.c.Close()
	t.conns.Remove(cn.id)
	for _, id := range t.peers.Keys() {
		if v, ok := t.peers.Get(id); ok && v.(*conn) == cn {
			t.peers.Remove(id)
			dlog.Warningf("Connection to %s lost!", id)
		}
	}
	for _, id := range t.clients.Keys() {
		if v, ok := t.clients.Get(id); ok && v.(*conn) == cn {
			t.clients.Remove(id)
		}
	}
}

func (t *TCPNetwork) dispatch(m epaxosproto.Message) {
	h, ok := t.handlers.Get(strconv.Itoa(int(m.Kind())))
	if !ok {
		dlog.Warningf("Received unknown message type %s from %s", m.Kind(), m.Head().Src)
		return
	}
	h.(func(epaxosproto.Message))(m)
}

func (t *TCPNetwork) RegisterHandler(kind epaxosproto.MessageKind, handler func(epaxosproto.Message)) {
	t.handlers.Set(strconv.Itoa(int(kind)), handler)
}

// Send routes m to the replica or client named by its destination. A
// message for a lost connection is dropped.
func (t *TCPNetwork) Send(m epaxosproto.Message) {
	dest := m.Head().Dest
	v, ok := t.peers.Get(dest)
	if !ok {
		v, ok = t.clients.Get(dest)
	}
	if !ok {
		dlog.Printf("Connection to %s lost!", dest)
		return
	}
	b, err := epaxosproto.Marshal(m, atomic.AddInt64(&t.msgId, 1))
	if err != nil {
		dlog.Errorf("cannot encode %s to %s: %v", m.Kind(), dest, err)
		return
	}
	if err := v.(*conn).send(fastrpc.MSG, b); err != nil {
		dlog.Warningf("Send to %s failed: %v", dest, err)
	}
}

// Crash closes the listener and every connection.
func (t *TCPNetwork) Crash() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	if t.listener != nil {
		t.listener.Close()
	}
	for _, item := range t.conns.Items() {
		item.(*conn).c.Close()
	}
}

// DialReplica opens a client connection to addr.
func DialReplica(addr string) (*ClientConn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	cn := newConn(uuid.New().String(), c)
	if err := cn.send(fastrpc.HELLO, []byte(clientHello)); err != nil {
		c.Close()
		return nil, err
	}
	return &ClientConn{cn: cn}, nil
}

// ClientConn is the client side of a replica connection.
type ClientConn struct {
	cn    *conn
	msgId int64
}

// NextMsgId reserves the msg_id of the next request.
func (cc *ClientConn) NextMsgId() int64 {
	return atomic.AddInt64(&cc.msgId, 1)
}

// Send writes m stamped with msgId.
func (cc *ClientConn) Send(m epaxosproto.Message, msgId int64) error {
	b, err := epaxosproto.Marshal(m, msgId)
	if err != nil {
		return err
	}
	return cc.cn.send(fastrpc.MSG, b)
}

// Receive blocks for the next message from the replica.
func (cc *ClientConn) Receive() (epaxosproto.Message, error) {
	for {
		code, payload, err := fastrpc.ReadFrame(cc.cn.reader)
		if err != nil {
			return nil, err
		}
		if code != fastrpc.MSG {
			continue
		}
		return epaxosproto.Unmarshal(payload)
	}
}

func (cc *ClientConn) Close() error {
	return cc.cn.c.Close()
}

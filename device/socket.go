package device

import (
	"log/slog"
	"net/netip"
	"sync"

	"i4.energy/across/shortrange/edm"
)

// MaxSockets is the capacity of the logical socket table. The module side
// limits concurrent data channels, so the table is fixed rather than grown.
const MaxSockets = 6

const (
	rxBufSize   = 2048
	txBufSize   = 1024
	egressChunk = 512
)

// SocketID identifies one logical socket. It is an index into the fixed
// socket table and becomes invalid once the socket is closed and its slot
// reclaimed; callers hold only the id, never the socket itself.
type SocketID int

// Proto selects the transport protocol of a socket.
type Proto uint8

const (
	ProtoTCP Proto = iota
	ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// scheme returns the AT+UDCP URL scheme for the protocol.
func (p Proto) scheme() string {
	if p == ProtoUDP {
		return "udp"
	}
	return "tcp"
}

// SocketState is the lifecycle state of one logical socket.
type SocketState uint8

const (
	SocketClosed SocketState = iota
	SocketOpening
	SocketOpen
	SocketClosing
)

func (s SocketState) String() string {
	switch s {
	case SocketClosed:
		return "Closed"
	case SocketOpening:
		return "Opening"
	case SocketOpen:
		return "Open"
	case SocketClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// byteRing is a bounded FIFO byte queue. Writes accept as many bytes as fit;
// reads drain whatever is buffered. Zero value is unusable; size it first.
type byteRing struct {
	buf []byte
	r   int // read position
	n   int // buffered byte count
}

func newByteRing(size int) byteRing {
	return byteRing{buf: make([]byte, size)}
}

// write copies as much of p as fits and returns the count accepted.
func (q *byteRing) write(p []byte) int {
	free := len(q.buf) - q.n
	m := min(len(p), free)
	if m == 0 {
		return 0
	}
	w := (q.r + q.n) % len(q.buf)
	c := copy(q.buf[w:], p[:m])
	copy(q.buf, p[c:m])
	q.n += m
	return m
}

// read drains up to len(p) buffered bytes into p.
func (q *byteRing) read(p []byte) int {
	m := min(len(p), q.n)
	if m == 0 {
		return 0
	}
	c := copy(p[:m], q.buf[q.r:min(q.r+m, len(q.buf))])
	copy(p[c:m], q.buf)
	q.r = (q.r + m) % len(q.buf)
	q.n -= m
	return m
}

func (q *byteRing) len() int { return q.n }

// socket is one slot of the registry table. It is owned by the registry and
// never escapes; all access goes through registry methods under the lock.
type socket struct {
	state      SocketState
	proto      Proto
	remoteAddr netip.Addr
	remotePort uint16

	// gen distinguishes slot incarnations: it is bumped on every alloc and
	// survives reclaim, so a stale release cannot reclaim a reused slot.
	gen uint64

	// peerHandle is the module-side handle from +UDCP, used for close.
	peerHandle int
	// channel is the EDM channel id, valid only while bound.
	channel uint8
	bound   bool

	rx byteRing
	tx byteRing

	// openDone receives the outcome of channel binding exactly once.
	openDone chan error

	rxDropped int
}

// registry is the fixed-capacity logical socket table. The event loop and
// application goroutines both touch it, so every method takes the lock.
type registry struct {
	mu    sync.Mutex
	slots [MaxSockets]socket
	log   *slog.Logger
}

func newRegistry(log *slog.Logger) *registry {
	return &registry{log: log}
}

// alloc reserves a free slot for a connection attempt. The returned channel
// reports the binding outcome (nil once a connect event binds the EDM
// channel); the returned generation identifies this incarnation of the slot
// for release. ErrTableFull leaves every other slot untouched.
func (r *registry) alloc(proto Proto, addr netip.Addr, port uint16) (SocketID, uint64, <-chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i].state != SocketClosed {
			continue
		}
		done := make(chan error, 1)
		r.slots[i] = socket{
			state:      SocketOpening,
			proto:      proto,
			remoteAddr: addr,
			remotePort: port,
			gen:        r.slots[i].gen + 1,
			rx:         newByteRing(rxBufSize),
			tx:         newByteRing(txBufSize),
			openDone:   done,
		}
		return SocketID(i), r.slots[i].gen, done, nil
	}
	return 0, 0, nil, ErrTableFull
}

// reclaim zeroes a slot while preserving its generation. Caller holds the
// lock.
func (r *registry) reclaim(i int) {
	r.slots[i] = socket{gen: r.slots[i].gen}
}

// setPeerHandle records the module-side handle once +UDCP answers. The
// connect event may have bound the channel already, so an Open socket is
// accepted too.
func (r *registry) setPeerHandle(id SocketID, handle int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return err
	}
	if s.state != SocketOpening && s.state != SocketOpen {
		return ErrInvalidHandle
	}
	s.peerHandle = handle
	return nil
}

// bind routes a connect event to the socket that is opening toward the
// event's remote endpoint and binds the EDM channel. Events that match no
// opening socket, or whose channel is already bound elsewhere, are dropped.
func (r *registry) bind(ev edm.ConnectEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.bound && s.channel == ev.Channel && s.state != SocketClosed {
			r.log.Warn("connect event for bound channel dropped", "channel", ev.Channel)
			return
		}
	}

	proto := ProtoTCP
	if ev.Protocol == edm.ProtocolUDP {
		proto = ProtoUDP
	}
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != SocketOpening || s.proto != proto {
			continue
		}
		if s.remoteAddr != ev.RemoteAddr || s.remotePort != ev.RemotePort {
			continue
		}
		s.channel = ev.Channel
		s.bound = true
		s.state = SocketOpen
		s.openDone <- nil
		return
	}
	r.log.Debug("connect event with no opening socket dropped",
		"channel", ev.Channel, "remote", ev.RemoteAddr, "port", ev.RemotePort)
}

// ingress buffers inbound payload for the socket bound to channel ch. Bytes
// beyond the rx capacity are dropped; frames for unknown channels are stale
// and dropped silently.
func (r *registry) ingress(ch uint8, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byChannel(ch)
	if s == nil || s.state != SocketOpen {
		r.log.Debug("data frame for unknown channel dropped", "channel", ch, "bytes", len(data))
		return
	}
	accepted := s.rx.write(data)
	if accepted < len(data) {
		s.rxDropped += len(data) - accepted
		r.log.Warn("rx buffer overflow, payload truncated",
			"channel", ch, "dropped", len(data)-accepted)
	}
}

// disconnect releases the socket bound to channel ch. Covers both the
// confirmation of a local close and a remote-initiated close; unknown
// channels are stale and ignored.
func (r *registry) disconnect(ch uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.bound && s.channel == ch && s.state != SocketClosed {
			r.reclaim(i)
			return
		}
	}
}

// beginClose moves an open socket into Closing and hands back the module
// peer handle the close command needs plus the slot generation the caller
// owns.
func (r *registry) beginClose(id SocketID) (int, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return 0, 0, err
	}
	if s.state != SocketOpen {
		return 0, 0, ErrInvalidHandle
	}
	s.state = SocketClosing
	return s.peerHandle, s.gen, nil
}

// abortClose reverts a Closing socket to Open so the caller can retry. A
// no-op when the slot has moved on to another incarnation.
func (r *registry) abortClose(id SocketID, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= MaxSockets {
		return
	}
	s := &r.slots[id]
	if s.gen == gen && s.state == SocketClosing {
		s.state = SocketOpen
	}
}

// release reclaims the slot incarnation the caller owns, invalidating its
// SocketID. A stale generation is a no-op: the slot was already reclaimed
// (and possibly handed to another caller) by the event loop.
func (r *registry) release(id SocketID, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= MaxSockets {
		return
	}
	if r.slots[id].gen != gen {
		return
	}
	r.reclaim(int(id))
}

// send queues outbound bytes on an open socket. Partial accepts are normal
// when the tx buffer is full; the caller retries the remainder.
func (r *registry) send(id SocketID, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return 0, err
	}
	if s.state != SocketOpen {
		return 0, ErrInvalidHandle
	}
	return s.tx.write(p), nil
}

// receive drains buffered inbound bytes, non-blocking. Zero bytes with a nil
// error means nothing is buffered.
func (r *registry) receive(id SocketID, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.get(id)
	if err != nil {
		return 0, err
	}
	if s.state != SocketOpen {
		return 0, ErrInvalidHandle
	}
	return s.rx.read(p), nil
}

// popTx removes one egress chunk from some socket with pending tx data.
// Called by the event loop without holding the lock across the transport
// write.
func (r *registry) popTx() (ch uint8, chunk []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != SocketOpen || !s.bound || s.tx.len() == 0 {
			continue
		}
		chunk = make([]byte, min(s.tx.len(), egressChunk))
		n := s.tx.read(chunk)
		return s.channel, chunk[:n], true
	}
	return 0, nil, false
}

// resetAll force-closes every socket. This is the reset cascade: opening
// sockets fail their waiters, open sockets become invalid, and the whole
// table returns to capacity. Safe to call repeatedly.
func (r *registry) resetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.state == SocketOpening && s.openDone != nil {
			select {
			case s.openDone <- ErrNotReady:
			default:
			}
		}
		r.reclaim(i)
	}
}

// freeCount reports how many slots are available.
func (r *registry) freeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].state == SocketClosed {
			n++
		}
	}
	return n
}

// stateOf reports a socket's lifecycle state; Closed for reclaimed slots.
func (r *registry) stateOf(id SocketID) SocketState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= MaxSockets {
		return SocketClosed
	}
	return r.slots[id].state
}

// get validates a SocketID. Caller holds the lock.
func (r *registry) get(id SocketID) (*socket, error) {
	if id < 0 || int(id) >= MaxSockets {
		return nil, ErrInvalidHandle
	}
	s := &r.slots[id]
	if s.state == SocketClosed {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// byChannel resolves an EDM channel id to the one socket bound to it.
// Caller holds the lock.
func (r *registry) byChannel(ch uint8) *socket {
	for i := range r.slots {
		s := &r.slots[i]
		if s.bound && s.channel == ch && s.state != SocketClosed {
			return s
		}
	}
	return nil
}

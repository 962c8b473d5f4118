// Package socktable is the process-wide registry of sockets. It maps small
// integer handles to socket records, enforces bind uniqueness and hands out
// ephemeral ports.
package socktable

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"IPv6-TCP/pkg/tcb"
)

// Socket triple values, numbered as in the BSD headers.
const (
	AFInet6 = 10

	SockStream    = 1
	SockDgram     = 2
	SockRaw       = 3
	SockSeqPacket = 5

	ProtoTCP = 6
	ProtoUDP = 17
)

const (
	EphemeralBase = 49152
	maxPort       = 65535
)

var (
	ErrUnusedHandle     = errors.New("unused socket handle")
	ErrTableFull        = errors.New("socket table full")
	ErrPortInUse        = errors.New("port already in use")
	ErrUnsupported      = errors.New("unsupported socket type")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrNotConnected     = errors.New("socket not connected")
	ErrAlreadyConnected = errors.New("socket already connected")
	ErrTimeout          = errors.New("operation timed out")
	ErrBusy             = errors.New("another call is already blocked on this socket")
	ErrMessageTooLong   = errors.New("message too long")
	ErrStackClosed      = errors.New("stack closed")
	ErrAddrNotAvailable = errors.New("address not available")
)

// Options configure a Table.
type Options struct {
	Addr       netip.Addr // this host's only address
	Capacity   int
	RecvWindow int           // input buffer size of stream sockets
	UDPQueue   int           // datagrams buffered per datagram socket
	RTT        tcb.Estimator // copied into every new control block
	Log        zerolog.Logger
}

// Table is a fixed-capacity arena of socket records. Handles run from 1 to
// the capacity; freed handles are reused in FIFO order.
//
// Lock order: a record's lock may be held while taking the table lock, never
// the reverse. Addressing fields have their own leaf lock.
type Table struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	slots  []*Record
	free   []Handle
	closed chan struct{}
	down   bool
}

func New(opts Options) *Table {
	t := &Table{
		opts:   opts,
		log:    opts.Log.With().Str("component", "socktable").Logger(),
		slots:  make([]*Record, opts.Capacity),
		free:   make([]Handle, 0, opts.Capacity),
		closed: make(chan struct{}),
	}
	for i := 1; i <= opts.Capacity; i++ {
		t.free = append(t.free, Handle(i))
	}
	return t
}

// Addr is the host address every socket binds to.
func (t *Table) Addr() netip.Addr { return t.opts.Addr }

// Create allocates a record for the socket triple. Only IPv6 stream sockets
// speaking TCP and datagram sockets speaking UDP are supported; a protocol
// of 0 selects the default for the type.
func (t *Table) Create(domain, typ, proto int) (*Record, error) {
	if domain != AFInet6 {
		return nil, errors.Wrapf(ErrUnsupported, "domain %d", domain)
	}
	switch {
	case typ == SockStream && (proto == 0 || proto == ProtoTCP):
		proto = ProtoTCP
	case typ == SockDgram && (proto == 0 || proto == ProtoUDP):
		proto = ProtoUDP
	default:
		return nil, errors.Wrapf(ErrUnsupported, "type %d protocol %d", typ, proto)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked(domain, typ, proto)
}

func (t *Table) allocLocked(domain, typ, proto int) (*Record, error) {
	if t.down {
		return nil, ErrStackClosed
	}
	if len(t.free) == 0 {
		t.log.Warn().Int("capacity", t.opts.Capacity).Msg("socket table exhausted")
		return nil, ErrTableFull
	}
	h := t.free[0]
	t.free = t.free[1:]

	rec := newRecord(h, domain, typ, proto, t.closed)
	if proto == ProtoTCP {
		rec.TCB.Reset(t.opts.RTT, tcbWindow(t.opts.RecvWindow))
		rec.Input = NewInputBuffer(t.opts.RecvWindow)
	} else {
		rec.datagrams = make(chan Datagram, t.opts.UDPQueue)
	}
	t.slots[h-1] = rec
	t.log.Debug().Int("sid", int(h)).Int("proto", proto).Msg("socket created")
	return rec, nil
}

// Get returns the live record for h.
func (t *Table) Get(h Handle) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 1 || int(h) > len(t.slots) || t.slots[h-1] == nil {
		return nil, errors.Wrapf(ErrUnusedHandle, "sid %d", h)
	}
	return t.slots[h-1], nil
}

// Bind gives rec a local endpoint. Port 0 selects an ephemeral port. The
// address must be unspecified or this host's address.
func (t *Table) Bind(rec *Record, ep netip.AddrPort) error {
	if a := ep.Addr(); a.IsValid() && !a.IsUnspecified() && a != t.opts.Addr {
		return errors.Wrapf(ErrAddrNotAvailable, "%s", a)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.liveLocked(rec) {
		return ErrUnusedHandle
	}
	if rec.Local().Port() != 0 {
		return errors.Wrap(ErrInvalidState, "already bound")
	}
	port := ep.Port()
	if port == 0 {
		if port = t.ephemeralLocked(rec.Protocol); port == 0 {
			return errors.Wrap(ErrPortInUse, "no ephemeral port left")
		}
	} else if t.boundLocked(rec.Protocol, port) {
		return errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	rec.setLocal(netip.AddrPortFrom(t.opts.Addr, port))
	return nil
}

// EphemeralPort returns a port from the dynamic range unused by proto, or 0
// when the range is exhausted.
func (t *Table) EphemeralPort(proto int) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ephemeralLocked(proto)
}

// ephemeralLocked picks one above the largest dynamic port in use and falls
// back to a scan once that passes the top of the range.
func (t *Table) ephemeralLocked(proto int) uint16 {
	largest := EphemeralBase - 1
	for _, rec := range t.slots {
		if rec == nil || rec.Protocol != proto {
			continue
		}
		if p := int(rec.Local().Port()); p > largest {
			largest = p
		}
	}
	if largest < maxPort {
		return uint16(largest + 1)
	}
	for p := EphemeralBase; p <= maxPort; p++ {
		if !t.boundLocked(proto, uint16(p)) {
			return uint16(p)
		}
	}
	return 0
}

// boundLocked reports whether a live socket owns port for proto. Records
// spawned by a listener share its port and do not count.
func (t *Table) boundLocked(proto int, port uint16) bool {
	for _, rec := range t.slots {
		if rec == nil || rec.Protocol != proto || rec.Listener() != 0 {
			continue
		}
		if rec.Local().Port() == port {
			return true
		}
	}
	return false
}

func (t *Table) liveLocked(rec *Record) bool {
	h := rec.Handle
	return h >= 1 && int(h) <= len(t.slots) && t.slots[h-1] == rec
}

// Spawn allocates the stream record for a connection request that arrived on
// the listening record parent.
func (t *Table) Spawn(parent *Record, remote netip.AddrPort) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.liveLocked(parent) {
		return nil, ErrUnusedHandle
	}
	rec, err := t.allocLocked(parent.Domain, parent.Type, parent.Protocol)
	if err != nil {
		return nil, err
	}
	rec.setLocal(parent.Local())
	rec.SetRemote(remote)
	rec.setListener(parent.Handle)
	return rec, nil
}

// Lookup finds the record an inbound segment from remote to local port
// belongs to: an exact four-tuple match first, then an unconnected socket
// on the port. For TCP the fallback must be listening.
func (t *Table) Lookup(proto int, port uint16, remote netip.AddrPort) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fallback *Record
	for _, rec := range t.slots {
		if rec == nil || rec.Protocol != proto || rec.Local().Port() != port {
			continue
		}
		r := rec.Remote()
		if r == remote {
			return rec
		}
		if fallback == nil && !r.IsValid() && rec.Listener() == 0 &&
			(proto != ProtoTCP || rec.Listening()) {
			fallback = rec
		}
	}
	return fallback
}

// LookupContext finds the connection using header compression context id
// with the peer at remote.
func (t *Table) LookupContext(id uint16, remote netip.Addr) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.slots {
		if rec == nil || rec.Protocol != ProtoTCP {
			continue
		}
		if r := rec.Remote(); r.IsValid() && r.Addr() == remote && rec.ContextID() == id {
			return rec
		}
	}
	return nil
}

// Records returns the live records in handle order.
func (t *Table) Records() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.slots))
	for _, rec := range t.slots {
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Free releases rec and wakes any call parked on it.
func (t *Table) Free(rec *Record) error {
	rec.Lock()
	defer rec.Unlock()
	return t.FreeLocked(rec)
}

// FreeLocked is Free for a caller already holding rec's lock.
func (t *Table) FreeLocked(rec *Record) error {
	if rec.freed {
		return ErrUnusedHandle
	}
	t.mu.Lock()
	if t.liveLocked(rec) {
		t.slots[rec.Handle-1] = nil
		t.free = append(t.free, rec.Handle)
	}
	t.mu.Unlock()
	rec.release(EventClosed)
	t.log.Debug().Int("sid", int(rec.Handle)).Msg("socket freed")
	return nil
}

// Shutdown wakes every parked call with EventShutdown and makes later parks
// and creates fail with ErrStackClosed.
func (t *Table) Shutdown() {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return
	}
	t.down = true
	close(t.closed)
	recs := make([]*Record, 0, len(t.slots))
	for _, rec := range t.slots {
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range recs {
		rec.Lock()
		rec.Wake(SendWaiter, EventShutdown)
		rec.Wake(RecvWaiter, EventShutdown)
		rec.Unlock()
	}
}

// Closed is closed once Shutdown has run.
func (t *Table) Closed() <-chan struct{} { return t.closed }

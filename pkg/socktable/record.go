package socktable

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/seqnum"

	"IPv6-TCP/pkg/tcb"
)

// Handle identifies a socket to the application. 0 is never used.
type Handle int

// Event is delivered to a parked call.
type Event uint8

const (
	EventAck       Event = iota + 1 // an acceptable ACK arrived
	EventSyn                        // a connection request was queued on a listener
	EventSynAck                     // the SYN-ACK answering our SYN arrived
	EventData                       // payload was appended to the input buffer
	EventCloseConn                  // the peer closed its side
	EventRetry                      // the retransmission timer fired
	EventTimeout                    // the retry bound was exhausted
	EventWindow                     // the peer reopened its window
	EventClosed                     // the record was freed
	EventShutdown                   // the stack is shutting down
)

var eventNames = [...]string{
	EventAck:       "ACK",
	EventSyn:       "SYN",
	EventSynAck:    "SYN_ACK",
	EventData:      "DATA",
	EventCloseConn: "CLOSE_CONN",
	EventRetry:     "RETRY",
	EventTimeout:   "TIMEOUT",
	EventWindow:    "WINDOW",
	EventClosed:    "CLOSED",
	EventShutdown:  "SHUTDOWN",
}

func (e Event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Waiter selects one of the two parking spots of a record.
type Waiter uint8

const (
	SendWaiter Waiter = iota
	RecvWaiter
)

// Datagram is one queued inbound UDP payload.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// Record is one socket. Its lock guards the control block, the backlog, the
// waiters, PeerClosed and EOFSeen. The input buffer and the datagram queue are safe
// on their own.
type Record struct {
	Handle   Handle
	Domain   int
	Type     int
	Protocol int

	addrMu    sync.RWMutex
	local     netip.AddrPort
	remote    netip.AddrPort
	listener  Handle
	listening bool
	contextID uint16

	mu         sync.Mutex
	TCB        tcb.ControlBlock
	Backlog    []Handle // connection requests queued on a listener
	PeerClosed bool
	EOFSeen    bool // the application has read end of stream
	Input      *InputBuffer
	waiters    [2]chan Event
	freed      bool
	done       chan struct{}
	stackDone  <-chan struct{}

	datagrams chan Datagram
}

func newRecord(h Handle, domain, typ, proto int, stackDone <-chan struct{}) *Record {
	return &Record{
		Handle:    h,
		Domain:    domain,
		Type:      typ,
		Protocol:  proto,
		done:      make(chan struct{}),
		stackDone: stackDone,
	}
}

func tcbWindow(n int) seqnum.Size { return seqnum.Size(n) }

func (r *Record) Lock()   { r.mu.Lock() }
func (r *Record) Unlock() { r.mu.Unlock() }

func (r *Record) Local() netip.AddrPort {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.local
}

func (r *Record) setLocal(ep netip.AddrPort) {
	r.addrMu.Lock()
	r.local = ep
	r.addrMu.Unlock()
}

// Remote is the connected peer, or the zero AddrPort.
func (r *Record) Remote() netip.AddrPort {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.remote
}

func (r *Record) SetRemote(ep netip.AddrPort) {
	r.addrMu.Lock()
	r.remote = ep
	r.addrMu.Unlock()
}

// Listener is the handle of the listening record that spawned r, or 0.
func (r *Record) Listener() Handle {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.listener
}

func (r *Record) setListener(h Handle) {
	r.addrMu.Lock()
	r.listener = h
	r.addrMu.Unlock()
}

func (r *Record) Listening() bool {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.listening
}

func (r *Record) SetListening(v bool) {
	r.addrMu.Lock()
	r.listening = v
	r.addrMu.Unlock()
}

// ContextID is the header compression context id used for lookups.
func (r *Record) ContextID() uint16 {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.contextID
}

func (r *Record) SetContextID(id uint16) {
	r.addrMu.Lock()
	r.contextID = id
	r.addrMu.Unlock()
}

// Park registers a one-shot waiter. The caller holds r's lock, releases it
// and then receives from the returned channel.
func (r *Record) Park(w Waiter) (<-chan Event, error) {
	select {
	case <-r.stackDone:
		return nil, ErrStackClosed
	default:
	}
	if r.freed {
		return nil, ErrUnusedHandle
	}
	if r.waiters[w] != nil {
		return nil, ErrBusy
	}
	ch := make(chan Event, 1)
	r.waiters[w] = ch
	return ch, nil
}

// Wake delivers ev to the call parked on w, if any. The caller holds r's lock.
func (r *Record) Wake(w Waiter, ev Event) bool {
	ch := r.waiters[w]
	if ch == nil {
		return false
	}
	r.waiters[w] = nil
	ch <- ev
	return true
}

// Parked reports whether a call waits on w. The caller holds r's lock.
func (r *Record) Parked(w Waiter) bool { return r.waiters[w] != nil }

// Freed reports whether r has been released. The caller holds r's lock.
func (r *Record) Freed() bool { return r.freed }

// Done is closed when r is freed.
func (r *Record) Done() <-chan struct{} { return r.done }

func (r *Record) release(ev Event) {
	r.freed = true
	r.Wake(SendWaiter, ev)
	r.Wake(RecvWaiter, ev)
	close(r.done)
}

// Enqueue appends an inbound datagram, dropping it when the queue is full.
func (r *Record) Enqueue(d Datagram) bool {
	select {
	case r.datagrams <- d:
		return true
	default:
		return false
	}
}

// Datagrams is the inbound queue of a datagram socket.
func (r *Record) Datagrams() <-chan Datagram { return r.datagrams }

// String renders r for listings. It takes r's lock.
func (r *Record) String() string {
	r.Lock()
	defer r.Unlock()
	proto := "udp"
	state := "-"
	if r.Protocol == ProtoTCP {
		proto = "tcp"
		state = r.TCB.State.String()
	}
	remote := "*"
	if rp := r.Remote(); rp.IsValid() {
		remote = rp.String()
	}
	return fmt.Sprintf("%d\t%s\t%s\t%s\t%s", r.Handle, proto, r.Local(), remote, state)
}

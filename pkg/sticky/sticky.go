package sticky

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/metrics"
)

// Target is one worker's handoff channel as the master sees it
type Target struct {
	WorkerID int
	Conn     *net.UnixConn
}

// Selector resolves a peer hash to a live worker target. It returns false
// when no worker is available; the dispatcher then drops the connection.
type Selector func(hash uint64) (Target, bool)

// Dispatcher accepts connections in the master and hands each socket to the
// worker selected by hashing the peer address. The master owns the listening
// sockets outright, so the kernel never round-robins accepts across
// processes; the hash alone decides placement.
type Dispatcher struct {
	addrs    []string
	seed     uint64
	selector Selector
	logger   zerolog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	stopped   bool
}

// NewDispatcher creates a dispatcher for the given listen addresses. seed is
// fixed once at master start so a peer reaches the same worker for the
// master's whole lifetime.
func NewDispatcher(addrs []string, seed uint64, selector Selector) *Dispatcher {
	return &Dispatcher{
		addrs:    addrs,
		seed:     seed,
		selector: selector,
		logger:   log.WithComponent("sticky"),
	}
}

// Start opens the listeners and begins dispatching
func (d *Dispatcher) Start() error {
	for _, addr := range d.addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			d.Stop()
			return fmt.Errorf("sticky: listen %s: %w", addr, err)
		}

		d.mu.Lock()
		d.listeners = append(d.listeners, ln)
		d.mu.Unlock()

		go d.acceptLoop(ln)
		d.logger.Info().Str("addr", addr).Msg("Sticky listener started")
	}
	return nil
}

// Stop closes the listeners
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, ln := range d.listeners {
		ln.Close()
	}
	d.listeners = nil
}

func (d *Dispatcher) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			stopped := d.stopped
			d.mu.Unlock()
			if !stopped {
				d.logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}
		d.dispatch(conn)
	}
}

// dispatch hands one accepted connection to its worker and closes the
// master's copy.
func (d *Dispatcher) dispatch(conn net.Conn) {
	defer conn.Close()

	target, ok := d.selector(d.HashAddr(conn.RemoteAddr()))
	if !ok {
		d.logger.Warn().Str("peer", conn.RemoteAddr().String()).Msg("No worker for connection")
		return
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		d.logger.Error().Str("peer", conn.RemoteAddr().String()).Msg("Not a TCP connection")
		return
	}
	f, err := tcp.File()
	if err != nil {
		d.logger.Error().Err(err).Msg("Dup of accepted socket failed")
		return
	}
	defer f.Close()

	if err := SendConn(target.Conn, f); err != nil {
		// The worker may be mid-restart; the peer simply reconnects.
		d.logger.Debug().Err(err).Int("worker_id", target.WorkerID).Msg("Socket handoff failed")
		return
	}
	metrics.StickyConnections.WithLabelValues(strconv.Itoa(target.WorkerID)).Inc()
}

// HashAddr mixes the peer host with the per-master seed. Ports are ignored
// so that one client pins to one worker across connections.
func (d *Dispatcher) HashAddr(addr net.Addr) uint64 {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	digest := xxhash.New()
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], d.seed)
	_, _ = digest.Write(seedBytes[:])
	_, _ = digest.WriteString(host)
	return digest.Sum64()
}

// balanceFrame is the sticky:balance message that rides along with each
// passed descriptor.
var balanceFrame = func() []byte {
	data := []byte(`{"kind":"` + ipc.KindStickyBalance + `"}`)
	return data
}()

// SendConn passes the socket behind f over the worker's handoff channel
// with SCM_RIGHTS, accompanied by the sticky:balance frame.
func SendConn(uc *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	_, _, err := uc.WriteMsgUnix(balanceFrame, rights, nil)
	return err
}

// ReceiveConn reads one handoff from the channel and rebuilds the net.Conn
func ReceiveConn(uc *net.UnixConn) (net.Conn, error) {
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("sticky: parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("sticky: balance frame without descriptor")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("sticky: no descriptor in control message")
	}

	f := os.NewFile(uintptr(fds[0]), "sticky-conn")
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("sticky: rebuild connection: %w", err)
	}
	return conn, nil
}

// Socketpair builds the per-worker handoff channel. The parent end is
// wrapped for SCM_RIGHTS sends; the child end is passed via ExtraFiles.
func Socketpair() (parent *net.UnixConn, child *os.File, err error) {
	// SEQPACKET keeps one frame plus its rights per read; a stream pair
	// would let consecutive handoffs coalesce.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("sticky: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "sticky-parent")
	defer parentFile.Close()

	uc, err := FileConn(parentFile)
	if err != nil {
		os.NewFile(uintptr(fds[1]), "sticky-child").Close()
		return nil, nil, err
	}
	return uc, os.NewFile(uintptr(fds[1]), "sticky-child"), nil
}

// FileConn wraps a socketpair end as a *net.UnixConn
func FileConn(f *os.File) (*net.UnixConn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("sticky: wrap channel: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("sticky: channel is not a unix socket")
	}
	return uc, nil
}

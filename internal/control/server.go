// Package control implements the operator control surface: a
// line-oriented TCP protocol on localhost:16001 for operators to
// list/add/remove instruments, query live and persisted values, and
// inspect logs.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/logentry"
)

// DefaultAddr is the well-known control surface listen address.
const DefaultAddr = "localhost:16001"

// firstConnectionTimeout is how long the daemon waits for a first
// operator connection before raising a warning that nobody is watching.
const firstConnectionTimeout = 30 * time.Second

// liveBufferSize bounds a subscriber's outbound queue before the
// drop-oldest policy kicks in, keeping a slow operator terminal from
// stalling live fan-out.
const liveBufferSize = 32

// controlSurfaceModule is the log-entry module label for entries the
// control surface itself raises, as opposed to per-instrument entries.
const controlSurfaceModule = "Control Surface"

// Registry is the subset of registry.Registry the control surface talks
// to, accepted as an interface per the project's general convention.
type Registry interface {
	List() []instrument.Snapshot
	Add(id, busIndex, unitAddress int, room string, eventLog instrument.EventLog) (string, error)
	Delete(id, busIndex int, eventLog interface{ ClearInstrument(int) }) int
	Get(id int, key string) (string, error)
	GetMulti(id int, keys []string) (map[string]string, error)
	Set(id int, key, value string) error
}

// BusQueue is the subset of busio.BusManager the "buffers" command reads.
type BusQueue interface {
	QueueDepth(highPrio bool) int
}

// Server is the Control Surface. One goroutine per accepted connection,
// dispatching each line to the command table in commands.go. Live
// subscribers are tracked per-connection and written to directly from
// PublishActual, never blocking the registry's dispatch loop.
type Server struct {
	addr     string
	registry Registry
	buses    map[int]BusQueue
	logs     *logentry.Store
	logger   *logging.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[*connection]struct{}

	firstConn     chan struct{}
	firstConnOnce sync.Once
}

// New constructs a Server. buses maps busIndex to the BusManager serving
// it, used only for the "buffers" command's queue-depth report.
func New(addr string, registry Registry, buses map[int]BusQueue, logs *logentry.Store, logger *logging.Logger) *Server {
	return &Server{
		addr:      addr,
		registry:  registry,
		buses:     buses,
		logs:      logs,
		logger:    logger,
		conns:     make(map[*connection]struct{}),
		firstConn: make(chan struct{}),
	}
}

// Addr returns the listener's bound address, or "" before Run has opened
// it. Useful when addr was "host:0" and the operating system assigned
// the port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// PublishActual implements registry.LiveFanout: it is called from the
// Instrument Registry's dispatch loop whenever an agent assembles a live
// reading, and writes it to every "startlive" subscriber without ever
// blocking the caller.
func (s *Server) PublishActual(id int, room string, data instrument.ActualData) {
	line := formatActualLine(id, room, data)

	s.mu.Lock()
	subscribers := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		if c.isLive() {
			subscribers = append(subscribers, c)
		}
	}
	s.mu.Unlock()

	for _, c := range subscribers {
		c.send(line)
	}
}

func formatActualLine(id int, room string, data instrument.ActualData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ActualData id=%d room=%s timestamp=%s", id, room, data.Timestamp.UTC().Format(time.RFC3339))
	for _, ch := range data.Channels {
		fmt.Fprintf(&b, " countChannel_%d=%d", ch.Channel, ch.Count)
	}
	return b.String()
}

// Run opens the listener and serves connections until ctx is cancelled,
// matching the Run(ctx) error convention of internal/busio and
// internal/scheduler.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	defer ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.conn.Close()
		}
		s.mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.firstConnectionWatch(ctx)
	}()

	for {
		netConn, acceptErr := ln.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", acceptErr)
			}
		}

		s.firstConnOnce.Do(func() { close(s.firstConn) })

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) firstConnectionWatch(ctx context.Context) {
	select {
	case <-s.firstConn:
		return
	case <-ctx.Done():
		return
	case <-time.After(firstConnectionTimeout):
	}

	s.logs.RaiseGlobal(logentry.Warning, controlSurfaceModule, "no_connection", "No connection to server")

	select {
	case <-s.firstConn:
		s.logs.ClearGlobal(logentry.Warning, controlSurfaceModule, "no_connection")
	case <-ctx.Done():
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()

	c := newConnection(netConn)
	s.addConn(c)
	defer s.removeConn(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(c)
	}()
	defer func() {
		c.close()
		wg.Wait()
	}()

	if _, err := fmt.Fprintln(netConn, "Hello"); err != nil {
		return
	}

	scanner := bufio.NewScanner(netConn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if response := s.dispatch(line, c); response != "" {
			c.send(response)
		}
	}
}

func (s *Server) writePump(c *connection) {
	for {
		select {
		case line, ok := <-c.out:
			if !ok {
				return
			}
			if _, err := fmt.Fprintln(c.conn, line); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) addConn(c *connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// connection tracks one accepted socket's live-subscription state and
// outbound queue. bufio.Scanner's default split function (ScanLines)
// already strips a trailing \r, giving CRLF-tolerant input for free.
type connection struct {
	conn net.Conn
	out  chan string
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	live bool
}

func newConnection(conn net.Conn) *connection {
	return &connection{
		conn: conn,
		out:  make(chan string, liveBufferSize),
		done: make(chan struct{}),
	}
}

// send enqueues a line for delivery, dropping the oldest queued line
// rather than blocking when the buffer is full.
func (c *connection) send(line string) {
	select {
	case c.out <- line:
		return
	default:
	}
	select {
	case <-c.out:
	default:
	}
	select {
	case c.out <- line:
	default:
	}
}

func (c *connection) setLive(live bool) {
	c.mu.Lock()
	c.live = live
	c.mu.Unlock()
}

func (c *connection) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

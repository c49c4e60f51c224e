// Package busio implements the Bus Manager: one goroutine-owned serial
// line per configured bus, a two-priority FIFO request queue, and the
// asynchronous, transaction-identified surface the Instrument Agent
// talks to.
package busio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
)

type requestKind int

const (
	kindReadHolding requestKind = iota
	kindReadInput
	kindWriteSingle
)

type request struct {
	txID     uint64
	kind     requestKind
	unit     byte
	startReg uint16
	count    uint16
	value    uint16
}

const (
	minReconnectBackoff = 1 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// BusManager owns one serial line. Exactly one telegram is in flight at a
// time; ReadHolding/ReadInput/WriteSingle enqueue and return immediately.
type BusManager struct {
	index      int
	devicePath string
	txDelay    time.Duration
	gen        *txIDGenerator
	log        *logging.Logger
	out        chan<- Event

	openDriver func(devicePath string) (Driver, error)

	mu        sync.Mutex
	driver    Driver
	highQueue []request
	stdQueue  []request

	wake chan struct{}
	done chan struct{}
}

// New constructs a BusManager for the given serial device. The driver is
// opened lazily by Run, with reconnect/backoff on failure, rather than
// failing the daemon at startup over one unplugged interface.
func New(index int, devicePath string, txDelay time.Duration, gen *txIDGenerator, log *logging.Logger, out chan<- Event) *BusManager {
	return &BusManager{
		index:      index,
		devicePath: devicePath,
		txDelay:    txDelay,
		gen:        gen,
		log:        log,
		out:        out,
		openDriver: func(path string) (Driver, error) { return NewModbusDriver(path) },
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run opens the serial line (retrying with capped exponential backoff on
// failure) and then drains the request queues until ctx is cancelled.
func (m *BusManager) Run(ctx context.Context) error {
	defer close(m.done)

	driver, err := m.connectWithBackoff(ctx)
	if err != nil {
		return err // ctx was cancelled during connect
	}
	m.mu.Lock()
	m.driver = driver
	m.mu.Unlock()
	defer driver.Close()

	for {
		req, ok := m.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.wake:
				continue
			}
		}

		m.execute(ctx, req)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.txDelay):
		}
	}
}

func (m *BusManager) connectWithBackoff(ctx context.Context) (Driver, error) {
	backoff := minReconnectBackoff
	for {
		driver, err := m.openDriver(m.devicePath)
		if err == nil {
			return driver, nil
		}
		if m.log != nil {
			m.log.Error("opening serial device failed, retrying", "bus", m.index, "device", m.devicePath, "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// ReadHolding enqueues a holding-register read, standard priority.
func (m *BusManager) ReadHolding(unit byte, startReg, count uint16) uint64 {
	return m.enqueue(request{kind: kindReadHolding, unit: unit, startReg: startReg, count: count}, false)
}

// ReadInput enqueues an input-register read, standard priority.
func (m *BusManager) ReadInput(unit byte, startReg, count uint16) uint64 {
	return m.enqueue(request{kind: kindReadInput, unit: unit, startReg: startReg, count: count}, false)
}

// WriteSingle enqueues a single-register write, high priority — writes
// are control actions (commands, config, clock) that should cut ahead of
// a backlog of routine polling reads.
func (m *BusManager) WriteSingle(unit byte, reg, value uint16) uint64 {
	return m.enqueue(request{kind: kindWriteSingle, unit: unit, startReg: reg, value: value}, true)
}

func (m *BusManager) enqueue(req request, highPriority bool) uint64 {
	req.txID = m.gen.Next()

	m.mu.Lock()
	if highPriority {
		m.highQueue = append(m.highQueue, req)
	} else {
		m.stdQueue = append(m.stdQueue, req)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return req.txID
}

func (m *BusManager) dequeue() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.highQueue) > 0 {
		req := m.highQueue[0]
		m.highQueue = m.highQueue[1:]
		return req, true
	}
	if len(m.stdQueue) > 0 {
		req := m.stdQueue[0]
		m.stdQueue = m.stdQueue[1:]
		return req, true
	}
	return request{}, false
}

// QueueDepth reports the current length of one priority class's queue.
func (m *BusManager) QueueDepth(highPrio bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if highPrio {
		return len(m.highQueue)
	}
	return len(m.stdQueue)
}

func (m *BusManager) execute(ctx context.Context, req request) {
	m.mu.Lock()
	driver := m.driver
	m.mu.Unlock()

	var (
		words []uint16
		err   error
	)
	switch req.kind {
	case kindReadHolding:
		words, err = driver.ReadHolding(req.unit, req.startReg, req.count)
	case kindReadInput:
		words, err = driver.ReadInput(req.unit, req.startReg, req.count)
	case kindWriteSingle:
		err = driver.WriteSingle(req.unit, req.startReg, req.value)
	}

	if err != nil {
		m.emit(ctx, Event{Kind: EventTransactionLost, BusIndex: m.index, TxID: req.txID, Unit: req.unit, StartReg: req.startReg})
		return
	}

	switch req.kind {
	case kindReadHolding:
		m.emit(ctx, Event{Kind: EventHoldingRead, BusIndex: m.index, TxID: req.txID, Unit: req.unit, StartReg: req.startReg, Words: words})
	case kindReadInput:
		m.emit(ctx, Event{Kind: EventInputRead, BusIndex: m.index, TxID: req.txID, Unit: req.unit, StartReg: req.startReg, Words: words})
	case kindWriteSingle:
		m.emit(ctx, Event{Kind: EventTransactionFinished, BusIndex: m.index, TxID: req.txID, Unit: req.unit, StartReg: req.startReg})
	}
}

// emit delivers evt to the registry's dispatch channel, blocking the bus
// worker if it is full rather than dropping the event: a dropped
// transactionLost or transactionFinished permanently leaks that txID
// from the owning agent's pending set, and a dropped transactionLost
// means the instrument never flips offline. ctx.Done() still lets the
// worker exit during shutdown instead of blocking forever.
func (m *BusManager) emit(ctx context.Context, evt Event) {
	select {
	case m.out <- evt:
	case <-ctx.Done():
	}
}

func (m *BusManager) String() string {
	return fmt.Sprintf("BusManager(index=%d, device=%s)", m.index, m.devicePath)
}

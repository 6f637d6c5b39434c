// Package ingest is the Ingest Daemon: UDP and TCP listeners feeding a
// single bounded work queue drained by a batched consumer on a fixed
// cadence, participating in graceful shutdown.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"smalltsdb/config"
	"smalltsdb/lineproto"
	"smalltsdb/selfmetric"
	"smalltsdb/store"
)

// maxConcurrentTCPConns bounds the per-connection goroutine pool so a
// burst of connections can't exhaust the process.
const maxConcurrentTCPConns = 64

type itemKind int

const (
	itemSamples itemKind = iota
	itemShutdown
)

type queueItem struct {
	kind    itemKind
	samples []lineproto.Sample
}

// Daemon runs the ingest pipeline against a Store.
type Daemon struct {
	store            *store.Store
	addr             string
	tickInterval     time.Duration
	shutdownBudget   time.Duration
	queueBound       int64
	selfMetricPrefix string

	queue      chan queueItem
	shutdownCh chan struct{}
	stopOnce   sync.Once

	bufferedSamples atomic.Int64
	counters        *selfmetric.Tracker
}

// New builds a Daemon. queueBound <= 0 uses config.QueueBound.
// selfMetricPrefix empty disables self-metrics.
func New(s *store.Store, addr string, tickInterval, shutdownBudget time.Duration, queueBound int, selfMetricPrefix string) *Daemon {
	if queueBound <= 0 {
		queueBound = config.QueueBound
	}
	return &Daemon{
		store:            s,
		addr:             addr,
		tickInterval:     tickInterval,
		shutdownBudget:   shutdownBudget,
		queueBound:       int64(queueBound),
		selfMetricPrefix: selfMetricPrefix,
		queue:            make(chan queueItem, queueBound),
		shutdownCh:       make(chan struct{}),
		counters:         selfmetric.NewTracker(),
	}
}

func (d *Daemon) isShutdown() bool {
	select {
	case <-d.shutdownCh:
		return true
	default:
		return false
	}
}

// Stop requests graceful shutdown. Safe to call more than once. The
// shutdown signal is pushed through the same queue that carries sample
// batches, so consume() only observes it after every batch already
// enqueued ahead of it has drained — closing shutdownCh alone would race
// against d.queue in consume()'s select.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.shutdownCh)
		d.queue <- queueItem{kind: itemShutdown}
	})
}

// Stats is a point-in-time snapshot for the operator console.
type Stats struct {
	QueueDepth      int
	BufferedSamples int64
	Overflow        uint64
	InsertOK        uint64
	InsertErr       uint64
}

// Stats returns a snapshot of the daemon's counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		QueueDepth:      len(d.queue),
		BufferedSamples: d.bufferedSamples.Load(),
		Overflow:        d.counters.Get("overflow"),
		InsertOK:        d.counters.Get("insert_ok"),
		InsertErr:       d.counters.Get("insert_err"),
	}
}

// Run starts the UDP listener, TCP listener, and consumer, and blocks
// until Stop is called and the consumer drains (or the shutdown budget
// elapses, in which case Run returns a non-nil error so main can exit
// non-zero).
func (d *Daemon) Run(ctx context.Context) error {
	udpConn, tcpListener, err := d.bindListeners(ctx)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.udpLoop(udpConn)
		return nil
	})
	g.Go(func() error {
		d.tcpLoop(tcpListener)
		return nil
	})

	consumerErr := make(chan error, 1)
	go func() { consumerErr <- d.consume() }()

	<-d.shutdownCh
	_ = udpConn.Close()
	_ = tcpListener.Close()

	select {
	case err := <-consumerErr:
		_ = g.Wait()
		return err
	case <-time.After(d.shutdownBudget):
		return fmt.Errorf("ingest: shutdown deadline of %s exceeded", d.shutdownBudget)
	}
}

// maxBindAttempts bounds the bind-retry loop below: a restart racing a
// predecessor's socket teardown clears up within a few backoff steps, but
// a genuinely unavailable address must still fail startup.
const maxBindAttempts = 5

// bindListeners binds the UDP and TCP listeners on d.addr, retrying a
// transient bind failure (e.g. a restart racing the previous process's
// socket teardown) with capped exponential backoff before giving up.
func (d *Daemon) bindListeners(ctx context.Context) (net.PacketConn, net.Listener, error) {
	b := newBindBackoff(100*time.Millisecond, 2*time.Second)
	var lastErr error
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(b.Next()):
			}
		}
		udpConn, err := net.ListenPacket("udp", d.addr)
		if err != nil {
			lastErr = err
			continue
		}
		tcpListener, err := net.Listen("tcp", d.addr)
		if err != nil {
			udpConn.Close()
			lastErr = err
			continue
		}
		return udpConn, tcpListener, nil
	}
	return nil, nil, fmt.Errorf("ingest: bind %s after %d attempts (%d backoff waits): %w", d.addr, maxBindAttempts, b.Attempts(), lastErr)
}

func (d *Daemon) udpLoop(pc net.PacketConn) {
	buf := make([]byte, 65535)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if d.isShutdown() {
				return
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.handlePayload(payload)
	}
}

func (d *Daemon) tcpLoop(ln net.Listener) {
	sem := make(chan struct{}, maxConcurrentTCPConns)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.isShutdown() {
				wg.Wait()
				return
			}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.handleTCPConn(conn)
		}()
	}
}

func (d *Daemon) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	body, err := io.ReadAll(conn)
	if err != nil {
		return
	}
	d.handlePayload(body)
}

// handlePayload parses a whole UDP datagram or TCP connection body and
// pushes the resulting samples onto the queue, applying the bounded
// backpressure policy.
func (d *Daemon) handlePayload(payload []byte) {
	samples, err := lineproto.ParseBatch(payload)
	if err != nil {
		log.Printf("ingest: parse error: %v", err)
		return
	}
	n := int64(len(samples))
	if d.bufferedSamples.Add(n) > d.queueBound {
		d.bufferedSamples.Add(-n)
		d.counters.Increment("overflow")
		log.Printf("ingest: queue overflow, dropping payload of %d samples", len(samples))
		return
	}
	select {
	case d.queue <- queueItem{kind: itemSamples, samples: samples}:
	default:
		d.bufferedSamples.Add(-n)
		d.counters.Increment("overflow")
		log.Printf("ingest: queue full, dropping payload of %d samples", len(samples))
	}
}

// consume is the single worker loop: accumulate sample-batches, flush on
// tick or shutdown.
func (d *Daemon) consume() error {
	var buffer []lineproto.Sample
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-d.queue:
			if item.kind == itemShutdown {
				d.flush(&buffer)
				return nil
			}
			buffer = append(buffer, item.samples...)
		case <-ticker.C:
			d.flush(&buffer)
			d.emitOverflowMetric()
		}
	}
}

func (d *Daemon) flush(buffer *[]lineproto.Sample) {
	if len(*buffer) == 0 {
		return
	}
	n := len(*buffer)
	if err := d.store.Insert(*buffer); err != nil {
		d.counters.Increment("insert_err")
		log.Printf("ingest: insert failed, keeping %d buffered samples: %v", n, err)
		d.emitSelfMetric("error", 1)
		return
	}
	d.counters.Increment("insert_ok")
	d.bufferedSamples.Add(-int64(n))
	d.emitSelfMetric("insert", float64(n))
	*buffer = (*buffer)[:0]
}

func (d *Daemon) emitOverflowMetric() {
	if d.selfMetricPrefix == "" {
		return
	}
	d.emitSelfMetric("overflow", float64(d.counters.Get("overflow")))
}

// emitSelfMetric feeds one self-observation sample directly into the
// store, bypassing the listeners entirely so it can never recurse back
// through ingest.
func (d *Daemon) emitSelfMetric(name string, value float64) {
	if d.selfMetricPrefix == "" {
		return
	}
	sample := selfmetric.Sample(d.selfMetricPrefix, name, float64(time.Now().Unix()), value)
	if err := d.store.Insert([]lineproto.Sample{sample}); err != nil {
		log.Printf("ingest: self-metric insert failed: %v", err)
	}
}

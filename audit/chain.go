// Package audit implements the append-only, hash-linked event log that every
// state change of the engine is recorded in.
//
// The tail of the chain (sequence and previous hash) is owned by a single
// worker goroutine; Append hands records to it over a channel, so appends from
// every component are strictly serialized.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tenderguard/calendar"
	"tenderguard/failure"
	"tenderguard/metrics"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: chain closed")

// ActionChainResumed is appended when an operator lifts a halt.
const ActionChainResumed = "ChainResumed"

type Options struct {
	Clock   calendar.Clock
	Logger  *logrus.Entry
	Metrics *metrics.Collector
	// QueueSize bounds the number of appends waiting for the worker.
	QueueSize int
}

type appendRequest struct {
	ctx     context.Context
	rec     Record
	payload []byte
	resp    chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

type Chain struct {
	store   Store
	clock   calendar.Clock
	log     *logrus.Entry
	metrics *metrics.Collector

	reqs      chan appendRequest
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	headSeq  uint64
	headHash string
	headTime time.Time
	halted   uint64 // first mismatched sequence, 0 when healthy
}

// NewChain resumes from the tail of store and starts the append worker.
func NewChain(ctx context.Context, store Store, opts Options) (*Chain, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: nil store")
	}
	if opts.Clock == nil {
		opts.Clock = calendar.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	c := &Chain{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Logger.WithField("component", "audit"),
		metrics:  opts.Metrics,
		reqs:     make(chan appendRequest, opts.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		headHash: GenesisHash,
	}

	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load head: %w: %w", failure.ErrPersistence, err)
	}
	if ok {
		c.headSeq = last.Sequence
		c.headHash = last.Hash
		c.headTime = last.Timestamp
		c.log.WithFields(logrus.Fields{"seq": last.Sequence}).Info("resumed audit chain")
	}

	go c.run()
	return c, nil
}

func (c *Chain) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.reqs:
			entry, err := c.commit(req)
			req.resp <- appendResult{entry: entry, err: err}
		}
	}
}

// Append links rec to the tail and persists it. Once the request has been
// handed to the worker, Append waits for the outcome even if ctx is
// cancelled, so the caller always learns whether its entry was committed.
func (c *Chain) Append(ctx context.Context, rec Record) (Entry, error) {
	if rec.Actor == "" || rec.Action == "" || rec.EntityRef == "" {
		return Entry{}, fmt.Errorf("audit: actor, action and entity ref are required: %w", failure.ErrInvalidInput)
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}

	req := appendRequest{ctx: ctx, rec: rec, payload: payload, resp: make(chan appendResult, 1)}
	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-c.quit:
		return Entry{}, ErrClosed
	}

	select {
	case res := <-req.resp:
		return res.entry, res.err
	case <-c.stopped:
		// the worker replies before it looks at quit again, so a request it
		// took has its answer buffered by now
		select {
		case res := <-req.resp:
			return res.entry, res.err
		default:
			return Entry{}, ErrClosed
		}
	}
}

func (c *Chain) commit(req appendRequest) (Entry, error) {
	started := time.Now()

	c.mu.RLock()
	halted := c.halted
	seq, prev, prevTime := c.headSeq+1, c.headHash, c.headTime
	c.mu.RUnlock()

	if halted != 0 && req.rec.Action != ActionChainResumed {
		c.metrics.AuditAppend(false, 0, 0)
		return Entry{}, fmt.Errorf("audit: chain halted at entry %d: %w", halted, failure.ErrChainIntegrity)
	}

	ts := c.clock.Now().UTC().Truncate(time.Microsecond)
	if ts.Before(prevTime) {
		ts = prevTime
	}

	e := Entry{
		Sequence:     seq,
		Timestamp:    ts,
		Actor:        req.rec.Actor,
		Action:       req.rec.Action,
		EntityRef:    req.rec.EntityRef,
		Payload:      req.payload,
		PayloadHash:  PayloadHash(req.payload),
		PreviousHash: prev,
	}
	e.Hash = ComputeHash(e)

	if err := c.store.Append(req.ctx, e); err != nil && !c.landed(e) {
		c.metrics.AuditAppend(false, 0, 0)
		c.log.WithError(err).WithFields(logrus.Fields{"seq": seq, "action": e.Action}).Error("audit append failed")
		return Entry{}, fmt.Errorf("audit: append %d: %w: %w", seq, failure.ErrPersistence, err)
	}

	c.mu.Lock()
	c.headSeq = e.Sequence
	c.headHash = e.Hash
	c.headTime = e.Timestamp
	if e.Action == ActionChainResumed {
		c.halted = 0
	}
	c.mu.Unlock()

	c.metrics.AuditAppend(true, time.Since(started).Seconds(), e.Sequence)
	return e, nil
}

// landed reports whether an append that returned an error was committed
// anyway, as when a connection drops after the server committed.
func (c *Chain) landed(e Entry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, ok, err := c.store.Last(ctx)
	return err == nil && ok && last.Sequence == e.Sequence && last.Hash == e.Hash
}

// Head returns the sequence and hash of the latest committed entry.
func (c *Chain) Head() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headSeq, c.headHash
}

// Halted reports the sequence at which verification failed, or 0.
func (c *Chain) Halted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Verify recomputes every hash with fromSeq <= sequence <= toSeq and checks each
// link against its predecessor. A zero fromSeq starts at the first entry and a
// zero toSeq ends at the head. On mismatch it returns the first bad sequence,
// halts the chain and reports ErrChainIntegrity.
func (c *Chain) Verify(ctx context.Context, fromSeq, toSeq uint64) (uint64, error) {
	headSeq, _ := c.Head()
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 || toSeq > headSeq {
		toSeq = headSeq
	}
	if fromSeq > toSeq {
		return 0, nil
	}

	anchor := fromSeq
	if anchor > 1 {
		anchor--
	}
	entries, err := c.store.Range(ctx, anchor, toSeq)
	if err != nil {
		return 0, fmt.Errorf("audit: read range: %w: %w", failure.ErrPersistence, err)
	}

	bad, reason := firstMismatch(entries, anchor, fromSeq, toSeq)
	if bad == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.halted == 0 || bad < c.halted {
		c.halted = bad
	}
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"seq": bad, "reason": reason}).Error("audit chain integrity failure")
	return bad, fmt.Errorf("audit: entry %d: %s: %w", bad, reason, failure.ErrChainIntegrity)
}

func firstMismatch(entries []Entry, anchor, fromSeq, toSeq uint64) (uint64, string) {
	prev := GenesisHash
	i := 0
	if anchor < fromSeq {
		if len(entries) == 0 || entries[0].Sequence != anchor {
			return fromSeq, "predecessor missing"
		}
		prev = entries[0].Hash
		i = 1
	}
	want := fromSeq
	for ; i < len(entries); i++ {
		e := entries[i]
		if e.Sequence != want {
			return want, "sequence gap"
		}
		if PayloadHash(e.Payload) != e.PayloadHash {
			return e.Sequence, "payload hash mismatch"
		}
		if e.PreviousHash != prev {
			return e.Sequence, "previous hash mismatch"
		}
		if ComputeHash(e) != e.Hash {
			return e.Sequence, "entry hash mismatch"
		}
		prev = e.Hash
		want++
	}
	if want <= toSeq {
		return want, "entry missing"
	}
	return 0, ""
}

// Resume lifts a halt after investigation. The resumption itself is the first
// entry appended afterwards.
func (c *Chain) Resume(ctx context.Context, actor, reason string) (Entry, error) {
	c.mu.RLock()
	halted := c.halted
	c.mu.RUnlock()
	return c.Append(ctx, Record{
		Actor:     actor,
		Action:    ActionChainResumed,
		EntityRef: Ref("chain", "audit"),
		Payload:   map[string]any{"halted_at": halted, "reason": reason},
	})
}

// Query is the read-only surface over the chain.
func (c *Chain) Query(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := c.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w: %w", failure.ErrPersistence, err)
	}
	return entries, nil
}

// Close stops the worker. Appends already handed to the worker complete.
func (c *Chain) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.stopped
	})
}

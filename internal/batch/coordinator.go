/**
 * Manual Batch Download Coordinator
 *
 * Features:
 * - Starts explicit download requests up to each account's surplus
 * - Per-account in-memory queue for the remainder
 * - Timer-driven drainer starting fixed-size batches
 * - Drainers stop on their own once nothing is left
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-14: Initial implementation
 * - 2025-03-21: Submission ids and snapshots
 */

// Package batch downloads explicitly requested files without flooding the
// remote store.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	DefaultBatchSize = 10
	DefaultInterval  = 5 * time.Second
	DefaultLimit     = 5

	failedPrefix = "failed-"
)

// Request names one file to download.
type Request struct {
	AccountID int64 `json:"telegramId" yaml:"telegramId"`
	ChatID    int64 `json:"chatId" yaml:"chatId"`
	MessageID int64 `json:"messageId" yaml:"messageId"`
	FileID    int64 `json:"fileId" yaml:"fileId"`
}

func (r Request) failedID() string {
	return fmt.Sprintf("%s%d-%d-%d", failedPrefix, r.ChatID, r.MessageID, r.FileID)
}

// Summary reports what a submission did right away.
type Summary struct {
	ID       string            `json:"id"`
	Accounts []*AccountSummary `json:"accounts"`
	Started  int               `json:"started"`
	Queued   int               `json:"queued"`
	Failed   int               `json:"failed"`
}

// AccountSummary is the part of a submission for one account.
type AccountSummary struct {
	AccountID int64 `json:"telegramId"`
	Surplus   int   `json:"surplus"`
	Started   int   `json:"started"`
	Queued    int   `json:"queued"`
	Failed    int   `json:"failed"`
}

// Snapshot is the drain state of one account.
type Snapshot struct {
	AccountID int64    `json:"telegramId"`
	Pending   int      `json:"pending"`
	InFlight  []string `json:"inFlight"`
	Running   bool     `json:"running"`
	Batches   int      `json:"batches"`
}

// Starter starts the transfer of a message's file.
type Starter interface {
	StartDownload(ctx context.Context, accountID, chatID, messageID int64) (*state.FileRecord, error)
}

// Store reads the records of in-flight batches.
type Store interface {
	GetByUniqueIDs(ctx context.Context, uniqueIDs []string) (map[string]*state.FileRecord, error)
}

// Admission computes the free download slots of an account.
type Admission interface {
	Surplus(ctx context.Context, accountID int64, maxConcurrent int) (int, error)
}

// Options tune the coordinator. Zero values pick the defaults.
type Options struct {
	BatchSize int
	Interval  time.Duration
	// Limit returns the per-account concurrent download limit.
	Limit func() int
}

type drainer struct {
	accountID int64
	pending   []Request
	current   []string
	batches   int
	running   bool
}

// Coordinator runs manual batch downloads.
type Coordinator struct {
	starter   Starter
	files     Store
	admission Admission
	bus       *events.Bus
	log       *logger.Logger
	opts      Options

	mu       sync.Mutex
	drainers map[int64]*drainer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator.
func New(starter Starter, files Store, admission Admission, bus *events.Bus, log *logger.Logger, opts Options) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Limit == nil {
		opts.Limit = func() int { return DefaultLimit }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		starter:   starter,
		files:     files,
		admission: admission,
		bus:       bus,
		log:       log.Component("batch"),
		opts:      opts,
		drainers:  make(map[int64]*drainer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit starts what the accounts have room for and queues the rest for
// the drainers. Failed starts are counted, not returned.
func (c *Coordinator) Submit(ctx context.Context, requests []Request) (*Summary, error) {
	if len(requests) == 0 {
		return nil, errors.Validation("submit_batch", "", "no files requested")
	}
	if c.ctx.Err() != nil {
		return nil, errors.Precondition("submit_batch", "", "coordinator is closed")
	}

	byAccount := make(map[int64][]Request)
	var accounts []int64
	for _, r := range requests {
		if _, ok := byAccount[r.AccountID]; !ok {
			accounts = append(accounts, r.AccountID)
		}
		byAccount[r.AccountID] = append(byAccount[r.AccountID], r)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	summary := &Summary{ID: uuid.NewString()}
	limit := c.opts.Limit()

	for _, accountID := range accounts {
		reqs := byAccount[accountID]
		as := &AccountSummary{AccountID: accountID}

		surplus, err := c.admission.Surplus(ctx, accountID, limit)
		if err != nil {
			c.log.Warn("Failed to read download surplus, queueing everything",
				"account", accountID, "error", err.Error())
			surplus = 0
		}
		as.Surplus = surplus

		n := surplus
		if n > len(reqs) {
			n = len(reqs)
		}
		for _, r := range reqs[:n] {
			if _, err := c.starter.StartDownload(ctx, r.AccountID, r.ChatID, r.MessageID); err != nil {
				c.log.Warn("Failed to start download",
					"batch", summary.ID,
					"chat", r.ChatID,
					"message", r.MessageID,
					"error", err.Error(),
				)
				as.Failed++
				continue
			}
			as.Started++
		}

		if rest := reqs[n:]; len(rest) > 0 {
			c.enqueue(accountID, rest)
			as.Queued = len(rest)
		}

		c.log.Info("Batch submitted",
			"batch", summary.ID,
			"account", accountID,
			"surplus", surplus,
			"started", as.Started,
			"queued", as.Queued,
			"failed", as.Failed,
		)
		c.bus.Publish(events.Event{
			Type: events.EventTypeBatchSubmitted,
			Data: events.BatchEvent{
				ID:        summary.ID,
				AccountID: accountID,
				Started:   as.Started,
				Queued:    as.Queued,
				Failed:    as.Failed,
			},
		})

		summary.Accounts = append(summary.Accounts, as)
		summary.Started += as.Started
		summary.Queued += as.Queued
		summary.Failed += as.Failed
	}

	return summary, nil
}

// enqueue adds requests to an account's queue and starts its drainer when
// it is not running.
func (c *Coordinator) enqueue(accountID int64, reqs []Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.drainers[accountID]
	if !ok {
		d = &drainer{accountID: accountID}
		c.drainers[accountID] = d
	}
	d.pending = append(d.pending, reqs...)

	if !d.running {
		d.running = true
		c.wg.Add(1)
		go c.run(d)
	}
}

func (c *Coordinator) run(d *drainer) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			d.running = false
			c.mu.Unlock()
			return
		case <-ticker.C:
			if c.step(c.ctx, d) {
				return
			}
		}
	}
}

// step runs one drain round and reports whether the drainer stopped.
func (c *Coordinator) step(ctx context.Context, d *drainer) bool {
	c.mu.Lock()
	if len(d.pending) == 0 && len(d.current) == 0 {
		d.running = false
		batches := d.batches
		delete(c.drainers, d.accountID)
		c.mu.Unlock()

		c.log.Info("Batch queue drained", "account", d.accountID, "batches", batches)
		c.bus.Publish(events.Event{
			Type: events.EventTypeBatchDrained,
			Data: events.BatchEvent{AccountID: d.accountID},
		})
		return true
	}
	current := append([]string(nil), d.current...)
	c.mu.Unlock()

	if len(current) > 0 {
		remaining, err := c.inFlight(ctx, current)
		if err != nil {
			c.log.Warn("Failed to poll batch, retrying", "account", d.accountID, "error", err.Error())
			return false
		}

		c.mu.Lock()
		d.current = remaining
		c.mu.Unlock()
		if len(remaining) > 0 {
			c.log.Debug("Batch still downloading", "account", d.accountID, "in_flight", len(remaining))
			return false
		}
	}

	c.mu.Lock()
	n := c.opts.BatchSize
	if n > len(d.pending) {
		n = len(d.pending)
	}
	next := append([]Request(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	if n > 0 {
		d.batches++
	}
	c.mu.Unlock()

	if len(next) == 0 {
		return false
	}

	tracked := make([]string, 0, len(next))
	for _, r := range next {
		rec, err := c.starter.StartDownload(ctx, r.AccountID, r.ChatID, r.MessageID)
		if err != nil {
			c.log.Warn("Failed to start batched download",
				"chat", r.ChatID,
				"message", r.MessageID,
				"error", err.Error(),
			)
			tracked = append(tracked, r.failedID())
			continue
		}
		tracked = append(tracked, rec.UniqueID)
	}

	c.mu.Lock()
	d.current = tracked
	pending := len(d.pending)
	c.mu.Unlock()

	c.log.Debug("Batch started", "account", d.accountID, "size", len(next), "pending", pending)
	return false
}

// inFlight returns the ids of a batch that are still downloading or
// paused. Failed starts and unknown ids count as done.
func (c *Coordinator) inFlight(ctx context.Context, ids []string) ([]string, error) {
	lookup := make([]string, 0, len(ids))
	for _, id := range ids {
		if !isFailedID(id) {
			lookup = append(lookup, id)
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}

	recs, err := c.files.GetByUniqueIDs(ctx, lookup)
	if err != nil {
		return nil, err
	}

	var remaining []string
	for _, id := range lookup {
		if rec, ok := recs[id]; ok && rec.IsInFlight() {
			remaining = append(remaining, id)
		}
	}
	return remaining, nil
}

func isFailedID(id string) bool {
	return len(id) > len(failedPrefix) && id[:len(failedPrefix)] == failedPrefix
}

// Snapshot returns the drain state of an account.
func (c *Coordinator) Snapshot(accountID int64) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{AccountID: accountID}
	if d, ok := c.drainers[accountID]; ok {
		s.Pending = len(d.pending)
		s.InFlight = append([]string(nil), d.current...)
		s.Running = d.running
		s.Batches = d.batches
	}
	return s
}

// Accounts returns the accounts with a drainer, sorted.
func (c *Coordinator) Accounts() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int64, 0, len(c.drainers))
	for id := range c.drainers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Idle reports whether no drainer is running.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drainers) == 0
}

// Close stops all drainers. Queued requests are dropped.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

/**
 * History Discovery Engine
 *
 * Features:
 * - Pages through a chat's history one file type at a time
 * - Newest-first and oldest-first walks
 * - History cutoff through a sentinel message
 * - One cursor reset per scan when an empty page ends the walk above the
 *   oldest known file
 * - Time budget per call; the returned cursor resumes the walk
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-10: Initial implementation
 * - 2025-03-19: Oldest-first walks start at the sentinel message
 * - 2025-03-26: Comment thread scans
 * - 2025-04-02: Reset only after an empty final page, once per scan chain
 */

// Package discovery finds the files of a chat's history and records them
// for download.
package discovery

import (
	"context"
	"time"

	"github.com/fmaass/telegram-files/internal/automation"
	"github.com/fmaass/telegram-files/internal/download"
	"github.com/fmaass/telegram-files/internal/filter"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	defaultBudget    = 10 * time.Second
	defaultPageLimit = 100

	// The remote store wants limit > -offset for forward walks.
	forwardOffset = -10

	// Distance below the oldest known message a reset jumps to.
	resetMargin = 1000

	// Files queued when a walk reaches the cutoff.
	sweepLimit = 1000
)

// Store is the part of the file store discovery writes to.
type Store interface {
	GetByUniqueIDs(ctx context.Context, uniqueIDs []string) (map[string]*state.FileRecord, error)
	CreateIfNotExist(ctx context.Context, f *state.FileRecord) (bool, error)
	ResetForRetry(ctx context.Context, uniqueID string) (bool, error)
	MinMessageID(ctx context.Context, accountID, chatID int64) (int64, error)
}

// Queuer claims discovered files for download.
type Queuer interface {
	QueueFilesForDownload(ctx context.Context, accountID, chatID int64, limit int, cutoff int64, oldestFirst *bool) (int, error)
}

// Params describes one discovery call.
type Params struct {
	Key           string
	AccountID     int64
	ChatID        int64
	Rule          automation.Rule
	FileType      string
	FromMessageID int64
	ThreadID      int64
	Sentinel      *Sentinel

	// CursorReset is true when this scan chain already reset its cursor.
	CursorReset bool
}

// Result is where a discovery call stopped.
type Result struct {
	FileType      string
	FromMessageID int64
	CursorReset   bool
	Complete      bool

	Persisted     int
	Pages         int
	CutoffReached bool
	Inaccessible  bool
	TimedOut      bool
	Err           error
}

// Options tune the engine. Zero values pick the defaults.
type Options struct {
	Budget    time.Duration
	PageLimit int
	Now       func() time.Time
	Sentinels *SentinelCache
	Filters   *filter.Cache
}

// Engine runs discovery calls.
type Engine struct {
	source    remote.Source
	files     Store
	queue     Queuer
	log       *logger.Logger
	budget    time.Duration
	pageLimit int
	now       func() time.Time
	sentinels *SentinelCache
	filters   *filter.Cache
}

// NewEngine creates an engine.
func NewEngine(source remote.Source, files Store, queue Queuer, log *logger.Logger, opts Options) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		source:    source,
		files:     files,
		queue:     queue,
		log:       log.Component("discovery"),
		budget:    opts.Budget,
		pageLimit: opts.PageLimit,
		now:       opts.Now,
		sentinels: opts.Sentinels,
		filters:   opts.Filters,
	}
	if e.budget <= 0 {
		e.budget = defaultBudget
	}
	if e.pageLimit <= 0 {
		e.pageLimit = defaultPageLimit
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.filters == nil {
		e.filters = filter.NewCache(64)
	}
	return e
}

// DiscoverAutomation advances the main history scan of an automation.
func (e *Engine) DiscoverAutomation(ctx context.Context, a *automation.Automation) Result {
	rule := a.Download.Rule
	p := Params{
		Key:           a.Key(),
		AccountID:     a.AccountID,
		ChatID:        a.ChatID,
		Rule:          rule,
		FileType:      a.Download.NextFileType,
		FromMessageID: a.Download.NextFromMessageID,
		CursorReset:   a.Download.CursorReset,
	}

	sentinel, err := e.ResolveSentinel(ctx, a.AccountID, a.ChatID, rule.HistorySince)
	if err != nil {
		res := Result{FileType: e.startType(p), FromMessageID: p.FromMessageID, CursorReset: p.CursorReset, Err: err}
		if remote.IsInaccessible(err) {
			e.log.Warn("Chat is no longer accessible, ending discovery", "key", p.Key)
			res.Complete = true
			res.Inaccessible = true
		}
		return res
	}
	p.Sentinel = sentinel

	return e.Discover(ctx, p)
}

func (e *Engine) startType(p Params) string {
	if p.FileType != "" && p.Rule.HasFileType(p.FileType) {
		return p.FileType
	}
	return p.Rule.OrderedFileTypes()[0]
}

func startCursor(oldestFirst bool) int64 {
	if oldestFirst {
		return 1
	}
	return 0
}

func (e *Engine) search(p Params, fileType string, from int64) remote.Search {
	s := remote.Search{
		AccountID:     p.AccountID,
		ChatID:        p.ChatID,
		Query:         p.Rule.Query,
		FileType:      fileType,
		FromMessageID: from,
		Limit:         e.pageLimit,
		ThreadID:      p.ThreadID,
	}

	if p.Rule.DownloadOldestFirst {
		if s.FromMessageID < 1 {
			s.FromMessageID = 1
		}
		if p.Sentinel != nil && s.FromMessageID < p.Sentinel.MessageID {
			s.FromMessageID = p.Sentinel.MessageID
		}
		s.Offset = forwardOffset
		if s.Limit <= -forwardOffset {
			s.Limit = -forwardOffset + 1
		}
	}
	return s
}

// Discover pages through history from the cursor in p until the history
// is done, an error occurs or the time budget is used up.
func (e *Engine) Discover(ctx context.Context, p Params) Result {
	log := e.log.Automation(p.Key, p.AccountID, p.ChatID).With("thread", p.ThreadID)

	types := p.Rule.OrderedFileTypes()
	oldest := p.Rule.DownloadOldestFirst
	cutoff := cutoffOf(p.Sentinel, p.Rule.HistorySince)

	res := Result{FileType: e.startType(p), FromMessageID: p.FromMessageID, CursorReset: p.CursorReset}

	flt, err := e.filters.Get(p.Rule.FilterExpr)
	if err != nil {
		log.Error(err, "Invalid filter expression")
		res.Err = err
		return res
	}

	start := e.now()

	// emptyEnd is true when the current file type ended on an empty page.
	// A walk that ends on a page of messages reached the real start of
	// that type's history; only an empty page means the cursor drifted.
	emptyEnd := false

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if e.now().Sub(start) > e.budget {
			log.Debug("Discovery budget used up", "file_type", res.FileType, "from", res.FromMessageID)
			res.TimedOut = true
			return res
		}

		page, err := e.source.SearchMessages(ctx, e.search(p, res.FileType, res.FromMessageID))
		if err != nil {
			if remote.IsInaccessible(err) {
				log.Warn("Chat is no longer accessible, ending discovery")
				res.Complete = true
				res.Inaccessible = true
				return res
			}
			log.Warn("Search failed, retrying next tick", "error", err.Error())
			res.Err = err
			return res
		}
		res.Pages++
		emptyEnd = len(page.Messages) == 0

		if !emptyEnd {
			reached, err := e.processPage(ctx, p, page, flt, cutoff, &res)
			if err != nil {
				log.Error(err, "Failed to record discovered files")
				res.Err = err
				return res
			}
			if reached {
				e.sweep(ctx, p, cutoff)
				log.Info("History cutoff reached", "cutoff", cutoff, "persisted", res.Persisted)
				res.CutoffReached = true
				res.Complete = true
				return res
			}
			if page.NextFromMessageID != 0 {
				res.FromMessageID = page.NextFromMessageID
				continue
			}
			res.FromMessageID = page.Messages[len(page.Messages)-1].ID
		}

		// Nothing further for this file type.
		if i := indexOf(types, res.FileType); i+1 < len(types) {
			log.Debug("File type exhausted", "file_type", res.FileType, "next", types[i+1])
			res.FileType = types[i+1]
			res.FromMessageID = startCursor(oldest)
			continue
		}

		minID, err := e.files.MinMessageID(ctx, p.AccountID, p.ChatID)
		if err != nil {
			log.Error(err, "Failed to read oldest known message")
			res.Err = err
			return res
		}

		if !oldest && !res.CursorReset && emptyEnd && minID > 0 && res.FromMessageID > minID {
			res.CursorReset = true
			next := minID - resetMargin
			if next < 0 {
				next = 0
			}
			log.Info("Cursor ended above the oldest known file, rescanning",
				"from", res.FromMessageID,
				"oldest", minID,
				"reset_to", next,
			)
			res.FileType = types[0]
			res.FromMessageID = next
			continue
		}

		if res.FromMessageID == 0 && minID == 0 {
			log.Debug("No files found yet")
			res.FileType = types[0]
			return res
		}

		log.Info("History scan complete", "persisted", res.Persisted)
		res.Complete = true
		return res
	}
}

// processPage records the files of a page and reports whether the page
// reaches past the cutoff.
func (e *Engine) processPage(ctx context.Context, p Params, page *remote.Page, flt *filter.Filter, cutoff int64, res *Result) (bool, error) {
	reached := false
	if cutoff > 0 && !p.Rule.DownloadOldestFirst {
		last := page.Messages[len(page.Messages)-1]
		reached = last.Date < cutoff
	}

	candidates := make([]*remote.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.File == nil || m.File.UniqueID == "" {
			continue
		}
		if cutoff > 0 && m.Date < cutoff {
			continue
		}
		candidates = append(candidates, m)
	}

	candidates, ferr := flt.Apply(candidates)
	if ferr != nil {
		e.log.Warn("Filter failed on some messages", "key", p.Key, "error", ferr.Error())
	}
	if len(candidates) == 0 {
		return reached, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		ids = append(ids, m.File.UniqueID)
	}
	existing, err := e.files.GetByUniqueIDs(ctx, ids)
	if err != nil {
		return false, err
	}

	persisted := 0
	for _, m := range candidates {
		rec, ok := existing[m.File.UniqueID]
		if !ok {
			created, err := e.files.CreateIfNotExist(ctx, download.RecordOf(p.AccountID, m))
			if err != nil {
				return false, err
			}
			if created {
				persisted++
			}
			continue
		}
		if rec.IsRetryable() {
			reset, err := e.files.ResetForRetry(ctx, rec.UniqueID)
			if err != nil {
				return false, err
			}
			if reset {
				persisted++
			}
		}
	}

	if persisted > 0 {
		res.Persisted += persisted
		oldest := p.Rule.DownloadOldestFirst
		queued, err := e.queue.QueueFilesForDownload(ctx, p.AccountID, p.ChatID, persisted, cutoff, &oldest)
		if err != nil {
			e.log.Warn("Failed to queue discovered files", "key", p.Key, "error", err.Error())
		} else {
			e.log.Debug("Discovered files queued", "key", p.Key, "persisted", persisted, "queued", queued)
		}
	}
	return reached, nil
}

// sweep queues idle files left over from earlier scans once the cutoff is
// reached. Failures are logged only.
func (e *Engine) sweep(ctx context.Context, p Params, cutoff int64) {
	oldest := p.Rule.DownloadOldestFirst
	queued, err := e.queue.QueueFilesForDownload(ctx, p.AccountID, p.ChatID, sweepLimit, cutoff, &oldest)
	if err != nil {
		e.log.Warn("Failed to queue idle files at cutoff", "key", p.Key, "error", err.Error())
		return
	}
	if queued > 0 {
		e.log.Info("Queued idle files at cutoff", "key", p.Key, "count", queued)
	}
}

func indexOf(types []string, t string) int {
	for i, ft := range types {
		if ft == t {
			return i
		}
	}
	return -1
}

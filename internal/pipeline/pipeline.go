// Package pipeline fetches, normalizes, deduplicates and orders mailbox
// messages in one batch run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/mail"
	"github.com/nhle/mailsync/internal/model"
)

// Mailbox is the slice of the IMAP client the pipeline needs. Tests
// substitute an in-memory implementation.
type Mailbox interface {
	// ListSince returns the UIDs in folder sent on or after since. An
	// unknown folder yields an empty result, not an error.
	ListSince(ctx context.Context, folder string, since time.Time) ([]imap.UID, error)

	// FetchRaw returns the raw message bytes for one UID.
	FetchRaw(ctx context.Context, folder string, uid imap.UID) ([]byte, error)
}

// Config controls one pipeline run.
type Config struct {
	// Folders to enumerate, in order.
	Folders []string

	// Since drops every message sent before it.
	Since time.Time

	// Workers bounds fetch concurrency.
	Workers int

	// Retry applies to each message fetch.
	Retry RetryPolicy

	// FetchTimeout is the wall-clock budget for a single fetch attempt,
	// so a hung connection cannot stall pool shutdown.
	FetchTimeout time.Duration
}

// Progress is called after each task completes with the number of
// finished tasks and the total. Calls arrive from worker goroutines.
type Progress func(done, total int)

// Result is the outcome of one run: the full ordered sequence handed
// downstream, plus the ids that were new this run. A repeat run over an
// unchanged mailbox produces an empty NewIDs.
type Result struct {
	Emails []model.Email
	NewIDs []string
}

// Pipeline is the per-run orchestrator. It owns no state between runs;
// everything incremental lives in the cache store.
type Pipeline struct {
	mailbox  Mailbox
	cache    cache.Store
	logger   *log.Logger
	cfg      Config
	progress Progress
}

// New creates a pipeline over the given mailbox and cache.
func New(mailbox Mailbox, store cache.Store, logger *log.Logger, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		mailbox: mailbox,
		cache:   store,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetProgress installs a progress callback for the fetch phase.
func (p *Pipeline) SetProgress(fn Progress) {
	p.progress = fn
}

// task identifies one message to fetch. index is 1-based within the
// folder enumeration and seeds synthetic thread ids.
type task struct {
	folder string
	index  int
	uid    imap.UID
}

// Run executes one full batch: enumerate, fetch concurrently, group,
// deduplicate against the cache, and assemble the ordered output. Only
// authentication/configuration failures abort the run; every other
// failure is isolated to the message or folder that produced it.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	seen, cached := p.loadCache(ctx)

	tasks, err := p.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	buckets, err := p.fetchAll(ctx, tasks, seen)
	if err != nil {
		return nil, err
	}

	return p.assemble(ctx, buckets, seen, cached), nil
}

// loadCache reads the seen-set and the cached payloads for its members.
// Cache failures degrade to an empty view: everything then looks new,
// which is safe because cache writes are idempotent.
func (p *Pipeline) loadCache(ctx context.Context) (map[string]bool, map[string]model.Email) {
	seen := make(map[string]bool)
	cached := make(map[string]model.Email)

	ids, err := p.cache.SetMembers(ctx, cache.SeenSetKey)
	if err != nil {
		p.logger.Warn("reading seen set, treating cache as empty", "err", err)
		return seen, cached
	}

	for _, id := range ids {
		seen[id] = true

		payload, err := p.cache.Get(ctx, cache.PayloadKey(id))
		if err != nil {
			p.logger.Warn("reading cached payload", "message_id", id, "err", err)
			continue
		}
		if payload == nil {
			continue
		}

		var em model.Email
		if err := json.Unmarshal(payload, &em); err != nil {
			p.logger.Warn("decoding cached payload", "message_id", id, "err", err)
			continue
		}
		cached[id] = em
	}

	return seen, cached
}

// enumerate lists candidate messages across all configured folders. A
// folder that fails to enumerate is logged and skipped; an auth failure
// aborts the run.
func (p *Pipeline) enumerate(ctx context.Context) ([]task, error) {
	var tasks []task

	for _, folder := range p.cfg.Folders {
		uids, err := p.mailbox.ListSince(ctx, folder, p.cfg.Since)
		if err != nil {
			var authErr *mail.AuthError
			if errors.As(err, &authErr) {
				return nil, err
			}
			p.logger.Error("enumerating folder", "folder", folder, "err", err)
			continue
		}

		for i, uid := range uids {
			tasks = append(tasks, task{folder: folder, index: i + 1, uid: uid})
		}
	}

	return tasks, nil
}

// fetchAll runs the bounded worker pool. Workers fetch and normalize
// independently and send finished records over a channel to a single
// collector goroutine that owns the thread buckets, so no shared map or
// lock exists.
func (p *Pipeline) fetchAll(
	ctx context.Context, tasks []task, seen map[string]bool,
) (*threadBuckets, error) {
	buckets := newThreadBuckets()
	total := len(tasks)
	p.report(0, total)
	if total == 0 {
		return buckets, nil
	}

	taskCh := make(chan task)
	emailCh := make(chan model.Email)

	var (
		fatalOnce sync.Once
		fatalErr  error
		done      int64
	)

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for t := range taskCh {
				em, err := p.fetchOne(ctx, t, seen)
				var authErr *mail.AuthError
				if errors.As(err, &authErr) {
					fatalOnce.Do(func() { fatalErr = err })
				} else if em != nil {
					emailCh <- *em
				}
				p.report(int(atomic.AddInt64(&done, 1)), total)
			}
		}()
	}

	var collector sync.WaitGroup
	collector.Add(1)
	go func() {
		defer collector.Done()
		for em := range emailCh {
			buckets.add(em)
		}
	}()

feed:
	for _, t := range tasks {
		select {
		case taskCh <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskCh)

	workers.Wait()
	close(emailCh)
	collector.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

// fetchOne runs the fetch→normalize path for a single message. Every
// outcome except an auth failure is terminal for this message only: it
// either produces a normalized email or a logged skip.
func (p *Pipeline) fetchOne(
	ctx context.Context, t task, seen map[string]bool,
) (*model.Email, error) {
	var raw []byte
	err := p.cfg.Retry.Do(ctx, func() error {
		var fetchErr error
		raw, fetchErr = p.fetchWithTimeout(ctx, t.folder, t.uid)
		return fetchErr
	})
	if err != nil {
		var authErr *mail.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		p.logger.Error("fetch failed, skipping message",
			"folder", t.folder, "uid", t.uid, "err", err)
		return nil, nil
	}

	em, _, err := mail.Normalize(t.folder, t.index, raw)
	if err != nil {
		if errors.Is(err, mail.ErrUndated) {
			p.logger.Debug("dropping undated message",
				"folder", t.folder, "uid", t.uid)
			return nil, nil
		}
		p.logger.Error("normalizing message failed, skipping",
			"folder", t.folder, "uid", t.uid, "err", err)
		return nil, nil
	}

	if em.Date.Before(p.cfg.Since) {
		return nil, nil
	}

	// Cache hit: already recorded by a previous run, skip the record
	// entirely. The assembler carries the cached payload forward.
	if em.MessageID != "" && seen[em.MessageID] {
		return nil, nil
	}

	return em, nil
}

// fetchWithTimeout bounds a single fetch attempt by wall clock. The
// underlying connection may outlive the budget; its result is abandoned.
func (p *Pipeline) fetchWithTimeout(
	ctx context.Context, folder string, uid imap.UID,
) ([]byte, error) {
	if p.cfg.FetchTimeout <= 0 {
		return p.mailbox.FetchRaw(ctx, folder, uid)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	type fetchResult struct {
		raw []byte
		err error
	}
	resCh := make(chan fetchResult, 1)
	go func() {
		raw, err := p.mailbox.FetchRaw(ctx, folder, uid)
		resCh <- fetchResult{raw: raw, err: err}
	}()

	select {
	case res := <-resCh:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// assemble merges newly fetched records with still-relevant cached ones
// and produces the single time-ordered output sequence. New non-empty
// message-ids are written to the cache best-effort and recorded in the
// seen-set with one final set update.
func (p *Pipeline) assemble(
	ctx context.Context,
	buckets *threadBuckets,
	seen map[string]bool,
	cached map[string]model.Email,
) *Result {
	var (
		out     []model.Email
		newIDs  []string
		emitted = make(map[string]bool)
	)

	for _, em := range buckets.flatten() {
		if em.MessageID == "" {
			// No identity: always new, never cached. A future sighting
			// would be indistinguishable, so caching it is pointless.
			out = append(out, em)
			continue
		}
		if emitted[em.MessageID] || seen[em.MessageID] {
			continue
		}
		emitted[em.MessageID] = true
		out = append(out, em)
		newIDs = append(newIDs, em.MessageID)

		payload, err := json.Marshal(em)
		if err == nil {
			err = p.cache.Set(ctx, cache.PayloadKey(em.MessageID), payload)
		}
		if err != nil {
			p.logger.Warn("caching email payload",
				"message_id", em.MessageID, "err", err)
		}
	}

	// Carry forward cached entries whose ids were not re-seen this run;
	// an enumeration gap must not lose history.
	carryIDs := make([]string, 0, len(cached))
	for id := range cached {
		carryIDs = append(carryIDs, id)
	}
	sort.Strings(carryIDs)
	for _, id := range carryIDs {
		if emitted[id] {
			continue
		}
		out = append(out, cached[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})

	if len(newIDs) > 0 {
		if err := p.cache.AddToSet(ctx, cache.SeenSetKey, newIDs...); err != nil {
			p.logger.Warn("updating seen set", "err", err)
		}
	}

	return &Result{Emails: out, NewIDs: newIDs}
}

func (p *Pipeline) report(done, total int) {
	if p.progress != nil {
		p.progress(done, total)
	}
}

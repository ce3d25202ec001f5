// Package worker runs one end-to-end sync pass: fetch and deduplicate,
// partition by spam score, persist the deliverable stream.
package worker

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
	"github.com/nhle/mailsync/internal/spam"
)

// Saver is the slice of the persistence store the worker needs.
type Saver interface {
	SaveEmail(ctx context.Context, em model.Email) error
}

// Summary reports what one pass did.
type Summary struct {
	// Fetched is the total number of emails in the assembled output,
	// including entries carried forward from the cache.
	Fetched int

	// New is how many message-ids were recorded for the first time.
	New int

	Delivered   int
	Quarantined int

	// Saved counts successful store inserts; save failures are logged
	// per email and do not stop the pass.
	Saved int
}

// Worker wires the pipeline, the spam filter and the store together.
type Worker struct {
	pipeline *pipeline.Pipeline
	filter   *spam.Filter
	store    Saver
	logger   *log.Logger
}

// New creates a Worker. store may be nil when persistence is disabled.
func New(p *pipeline.Pipeline, f *spam.Filter, store Saver, logger *log.Logger) *Worker {
	return &Worker{
		pipeline: p,
		filter:   f,
		store:    store,
		logger:   logger,
	}
}

// Run executes one pass. Only pipeline-fatal errors (authentication,
// configuration) propagate; per-email save failures are logged and the
// pass continues.
func (w *Worker) Run(ctx context.Context) (*Summary, error) {
	result, err := w.pipeline.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching mail: %w", err)
	}

	verdict := w.filter.Partition(ctx, result.Emails)

	summary := &Summary{
		Fetched:     len(result.Emails),
		New:         len(result.NewIDs),
		Delivered:   len(verdict.Deliverable),
		Quarantined: len(verdict.Quarantined),
	}

	if w.store != nil {
		for _, em := range verdict.Deliverable {
			if err := w.store.SaveEmail(ctx, em); err != nil {
				w.logger.Error("saving email",
					"message_id", em.MessageID, "folder", em.Folder, "err", err)
				continue
			}
			summary.Saved++
		}
	}

	w.logger.Info("sync pass complete",
		"fetched", summary.Fetched,
		"new", summary.New,
		"delivered", summary.Delivered,
		"quarantined", summary.Quarantined,
		"saved", summary.Saved,
	)

	return summary, nil
}

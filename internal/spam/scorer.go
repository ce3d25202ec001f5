// Package spam scores normalized emails against an external scoring
// engine and partitions pipeline output into deliverable and quarantined
// streams.
package spam

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// DefaultThreshold is the legitimacy cutoff. The engine's polarity is
// inverted relative to the usual spam-score convention: a HIGHER score
// means MORE confidently legitimate, so anything scoring below the
// threshold is quarantined.
const DefaultThreshold = 9.0

// Scorer produces a numeric legitimacy score for one email.
type Scorer interface {
	Score(ctx context.Context, em *model.Email) (float64, error)
}

// Verdict is the partitioned output of one run. Relative order within
// each partition matches the input sequence.
type Verdict struct {
	Deliverable []model.Email
	Quarantined []model.Email
}

// Filter partitions emails by score. Quarantined messages are written to
// the cache side channel for later inspection instead of being handed to
// the persistence collaborator.
type Filter struct {
	scorer    Scorer
	cache     cache.Store
	threshold float64
	logger    *log.Logger
}

// NewFilter creates a Filter. A nil scorer disables scoring entirely:
// everything is deliverable.
func NewFilter(scorer Scorer, store cache.Store, threshold float64, logger *log.Logger) *Filter {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Filter{
		scorer:    scorer,
		cache:     store,
		threshold: threshold,
		logger:    logger,
	}
}

// Partition scores each email and splits the sequence. A scoring failure
// quarantines the message: a false negative in the legitimate stream is
// preferable to silently dropping detection.
func (f *Filter) Partition(ctx context.Context, emails []model.Email) Verdict {
	var v Verdict

	if f.scorer == nil {
		v.Deliverable = emails
		return v
	}

	for _, em := range emails {
		score, err := f.scorer.Score(ctx, &em)
		if err != nil {
			f.logger.Error("scoring failed, quarantining",
				"message_id", em.MessageID, "folder", em.Folder, "err", err)
			f.quarantine(ctx, em)
			v.Quarantined = append(v.Quarantined, em)
			continue
		}

		if score < f.threshold {
			f.logger.Info("quarantining email",
				"message_id", em.MessageID, "score", score)
			f.quarantine(ctx, em)
			v.Quarantined = append(v.Quarantined, em)
			continue
		}

		v.Deliverable = append(v.Deliverable, em)
	}

	return v
}

// quarantine records the email in the cache side channel, keyed by
// message-id. Best-effort: a cache failure is logged, never fatal.
func (f *Filter) quarantine(ctx context.Context, em model.Email) {
	if em.MessageID == "" {
		return
	}
	payload, err := json.Marshal(em)
	if err == nil {
		err = f.cache.Set(ctx, cache.QuarantineKey(em.MessageID), payload)
	}
	if err != nil {
		f.logger.Warn("writing quarantine entry",
			"message_id", em.MessageID, "err", err)
	}
}

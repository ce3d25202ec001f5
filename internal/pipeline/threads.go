package pipeline

import "github.com/nhle/mailsync/internal/model"

// threadBuckets accumulates normalized emails per conversation during
// one run. It is owned by the single collector goroutine, so no locking
// is needed; it is discarded once flattened into the output sequence.
type threadBuckets struct {
	order   []string
	buckets map[string][]model.Email
}

func newThreadBuckets() *threadBuckets {
	return &threadBuckets{
		buckets: make(map[string][]model.Email),
	}
}

func (b *threadBuckets) add(em model.Email) {
	if _, ok := b.buckets[em.ThreadID]; !ok {
		b.order = append(b.order, em.ThreadID)
	}
	b.buckets[em.ThreadID] = append(b.buckets[em.ThreadID], em)
}

// flatten returns all bucketed emails, thread by thread in discovery
// order. The assembler re-sorts globally by date, so per-thread order
// only decides ties between identical timestamps.
func (b *threadBuckets) flatten() []model.Email {
	var out []model.Email
	for _, id := range b.order {
		out = append(out, b.buckets[id]...)
	}
	return out
}

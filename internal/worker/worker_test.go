package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
	"github.com/nhle/mailsync/internal/spam"
)

type fixedMailbox struct {
	messages map[string][][]byte
}

func (f *fixedMailbox) ListSince(
	_ context.Context, folder string, _ time.Time,
) ([]imap.UID, error) {
	msgs, ok := f.messages[folder]
	if !ok {
		return nil, nil
	}
	uids := make([]imap.UID, len(msgs))
	for i := range msgs {
		uids[i] = imap.UID(i + 1)
	}
	return uids, nil
}

func (f *fixedMailbox) FetchRaw(
	_ context.Context, folder string, uid imap.UID,
) ([]byte, error) {
	return f.messages[folder][int(uid)-1], nil
}

type thresholdScorer struct {
	spamIDs map[string]bool
}

func (s *thresholdScorer) Score(_ context.Context, em *model.Email) (float64, error) {
	if s.spamIDs[em.MessageID] {
		return 1.0, nil
	}
	return 20.0, nil
}

type recordingSaver struct {
	saved   []model.Email
	failIDs map[string]bool
}

func (r *recordingSaver) SaveEmail(_ context.Context, em model.Email) error {
	if r.failIDs[em.MessageID] {
		return errors.New("disk full")
	}
	r.saved = append(r.saved, em)
	return nil
}

func raw(messageID, subject, date string) []byte {
	return []byte(strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: " + subject,
		"Date: " + date,
		"Message-ID: " + messageID,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"body",
	}, "\r\n") + "\r\n")
}

func newTestWorker(
	mailbox pipeline.Mailbox,
	store cache.Store,
	scorer spam.Scorer,
	saver Saver,
) *Worker {
	logger := log.New(io.Discard)
	pl := pipeline.New(mailbox, store, logger, pipeline.Config{
		Folders: []string{"INBOX"},
		Since:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Workers: 2,
		Retry:   pipeline.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
	})
	filter := spam.NewFilter(scorer, store, spam.DefaultThreshold, logger)
	return New(pl, filter, saver, logger)
}

func TestRunSavesDeliverableQuarantinesRest(t *testing.T) {
	mailbox := &fixedMailbox{messages: map[string][][]byte{
		"INBOX": {
			raw("<good@x>", "fine", "Mon, 03 Feb 2025 09:00:00 +0000"),
			raw("<junk@x>", "spammy", "Wed, 05 Feb 2025 09:00:00 +0000"),
		},
	}}
	store := cache.NewMemoryStore()
	scorer := &thresholdScorer{spamIDs: map[string]bool{"<junk@x>": true}}
	saver := &recordingSaver{}

	summary, err := newTestWorker(mailbox, store, scorer, saver).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 2, summary.New)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, summary.Quarantined)
	assert.Equal(t, 1, summary.Saved)

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "<good@x>", saver.saved[0].MessageID)

	ok, err := store.Exists(context.Background(), cache.QuarantineKey("<junk@x>"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunSaveFailureIsIsolated(t *testing.T) {
	mailbox := &fixedMailbox{messages: map[string][][]byte{
		"INBOX": {
			raw("<a@x>", "one", "Mon, 03 Feb 2025 09:00:00 +0000"),
			raw("<b@x>", "two", "Wed, 05 Feb 2025 09:00:00 +0000"),
		},
	}}
	store := cache.NewMemoryStore()
	saver := &recordingSaver{failIDs: map[string]bool{"<a@x>": true}}

	summary, err := newTestWorker(mailbox, store, nil, saver).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Delivered)
	assert.Equal(t, 1, summary.Saved)
	require.Len(t, saver.saved, 1)
	assert.Equal(t, "<b@x>", saver.saved[0].MessageID)
}

func TestRunSecondPassDeliversNothingNew(t *testing.T) {
	mailbox := &fixedMailbox{messages: map[string][][]byte{
		"INBOX": {raw("<a@x>", "one", "Mon, 03 Feb 2025 09:00:00 +0000")},
	}}
	store := cache.NewMemoryStore()
	saver := &recordingSaver{}

	_, err := newTestWorker(mailbox, store, nil, saver).Run(context.Background())
	require.NoError(t, err)

	summary, err := newTestWorker(mailbox, store, nil, saver).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.New)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/mail"
)

// fakeMailbox serves canned raw messages and can inject transient fetch
// failures per message.
type fakeMailbox struct {
	mu       sync.Mutex
	folders  map[string][][]byte
	failures map[string]int
	hangs    map[string]bool
	calls    map[string]int
	authErr  bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		folders:  make(map[string][][]byte),
		failures: make(map[string]int),
		hangs:    make(map[string]bool),
		calls:    make(map[string]int),
	}
}

func (f *fakeMailbox) add(folder string, raw []byte) {
	f.folders[folder] = append(f.folders[folder], raw)
}

func key(folder string, uid imap.UID) string {
	return fmt.Sprintf("%s/%d", folder, uid)
}

func (f *fakeMailbox) ListSince(
	_ context.Context, folder string, _ time.Time,
) ([]imap.UID, error) {
	if f.authErr {
		return nil, &mail.AuthError{Username: "u", Message: "bad credentials"}
	}
	msgs, ok := f.folders[folder]
	if !ok {
		return nil, nil
	}
	uids := make([]imap.UID, len(msgs))
	for i := range msgs {
		uids[i] = imap.UID(i + 1)
	}
	return uids, nil
}

func (f *fakeMailbox) FetchRaw(
	ctx context.Context, folder string, uid imap.UID,
) ([]byte, error) {
	k := key(folder, uid)

	f.mu.Lock()
	f.calls[k]++
	if f.hangs[k] {
		f.mu.Unlock()
		// A stuck connection returns only when the caller gives up.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()

	if f.failures[k] > 0 {
		f.failures[k]--
		return nil, errors.New("connection reset by peer")
	}

	msgs := f.folders[folder]
	idx := int(uid) - 1
	if idx < 0 || idx >= len(msgs) {
		return nil, fmt.Errorf("no such message %s", k)
	}
	return msgs[idx], nil
}

func (f *fakeMailbox) callCount(k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

func rawMsg(messageID, subject, date, body string) []byte {
	lines := []string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: " + subject,
	}
	if date != "" {
		lines = append(lines, "Date: "+date)
	}
	if messageID != "" {
		lines = append(lines, "Message-ID: "+messageID)
	}
	lines = append(lines, "Content-Type: text/plain; charset=utf-8", "", body)
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func testPipeline(mailbox Mailbox, store cache.Store) *Pipeline {
	return New(mailbox, store, log.New(io.Discard), Config{
		Folders: []string{"INBOX", "Sent"},
		Since:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Workers: 4,
		Retry:   RetryPolicy{Attempts: 3, Delay: time.Millisecond},
	})
}

func TestRunTwoFolderScenario(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "first", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))
	mailbox.add("INBOX", rawMsg("<b@x>", "second", "Mon, 10 Feb 2025 09:00:00 +0000", "two"))
	mailbox.add("INBOX", rawMsg("<c@x>", "undated", "", "dropped"))
	mailbox.add("Sent", rawMsg("<d@x>", "outbound", "Wed, 05 Feb 2025 09:00:00 +0000", "three"))

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	// The undated message is excluded; everything else is new.
	require.Len(t, result.Emails, 3)
	assert.Len(t, result.NewIDs, 3)

	// Ascending by sent date.
	for i := 1; i < len(result.Emails); i++ {
		assert.False(t, result.Emails[i].Date.Before(result.Emails[i-1].Date))
	}
	assert.Equal(t, "first", result.Emails[0].Subject)
	assert.Equal(t, "outbound", result.Emails[1].Subject)
	assert.Equal(t, "second", result.Emails[2].Subject)

	// Exactly three cache entries and three seen ids.
	members, err := store.SetMembers(context.Background(), cache.SeenSetKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"<a@x>", "<b@x>", "<d@x>"}, members)

	payload, err := store.Get(context.Background(), cache.PayloadKey("<a@x>"))
	require.NoError(t, err)
	assert.NotNil(t, payload)
}

func TestRunIsIdempotent(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "first", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))
	mailbox.add("Sent", rawMsg("<b@x>", "second", "Wed, 05 Feb 2025 09:00:00 +0000", "two"))

	store := cache.NewMemoryStore()

	first, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.NewIDs, 2)

	second, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	// Nothing new, but history is carried forward intact and ordered.
	assert.Empty(t, second.NewIDs)
	require.Len(t, second.Emails, 2)
	assert.Equal(t, "first", second.Emails[0].Subject)
	assert.Equal(t, "second", second.Emails[1].Subject)
}

func TestRunCutoffFilter(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<old@x>", "too old", "Mon, 09 Dec 2024 09:00:00 +0000", "old"))
	mailbox.add("INBOX", rawMsg("<new@x>", "recent", "Mon, 03 Feb 2025 09:00:00 +0000", "new"))

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Emails, 1)
	assert.Equal(t, "recent", result.Emails[0].Subject)

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, em := range result.Emails {
		assert.False(t, em.Date.Before(cutoff))
	}
}

func TestRunEmptyMessageIDAlwaysNew(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("", "anonymous", "Mon, 03 Feb 2025 09:00:00 +0000", "no id"))

	store := cache.NewMemoryStore()

	first, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Emails, 1)
	assert.Empty(t, first.NewIDs)

	// Never cached: a later run sees it again.
	members, err := store.SetMembers(context.Background(), cache.SeenSetKey)
	require.NoError(t, err)
	assert.Empty(t, members)

	second, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Emails, 1)
	assert.Equal(t, "anonymous", second.Emails[0].Subject)
}

func TestRunTransientFailureRecovers(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "flaky", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))
	mailbox.failures[key("INBOX", 1)] = 2

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Emails, 1)
	assert.Equal(t, 3, mailbox.calls[key("INBOX", 1)])
}

func TestRunExhaustedRetriesSkipMessageOnly(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "dead", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))
	mailbox.add("INBOX", rawMsg("<b@x>", "alive", "Mon, 10 Feb 2025 09:00:00 +0000", "two"))
	mailbox.failures[key("INBOX", 1)] = 99

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	// The sibling survives; the dead message is skipped after exactly
	// three attempts.
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "alive", result.Emails[0].Subject)
	assert.Equal(t, 3, mailbox.calls[key("INBOX", 1)])
}

func TestRunFetchTimeoutSkipsHungMessage(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<hung@x>", "stuck", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))
	mailbox.add("INBOX", rawMsg("<ok@x>", "healthy", "Mon, 10 Feb 2025 09:00:00 +0000", "two"))
	mailbox.hangs[key("INBOX", 1)] = true

	store := cache.NewMemoryStore()
	p := New(mailbox, store, log.New(io.Discard), Config{
		Folders:      []string{"INBOX"},
		Since:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Workers:      4,
		Retry:        RetryPolicy{Attempts: 3, Delay: time.Millisecond},
		FetchTimeout: 10 * time.Millisecond,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	// Each attempt is cut off by the wall-clock budget, the retry
	// budget then runs out, and only the hung message is lost.
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "healthy", result.Emails[0].Subject)
	assert.Equal(t, 3, mailbox.callCount(key("INBOX", 1)))
}

func TestRunAuthErrorIsFatal(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.authErr = true

	store := cache.NewMemoryStore()
	_, err := testPipeline(mailbox, store).Run(context.Background())

	var authErr *mail.AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestRunUnknownFolderYieldsNothing(t *testing.T) {
	mailbox := newFakeMailbox()
	// Only INBOX exists; "Sent" enumerates empty, not an error.
	mailbox.add("INBOX", rawMsg("<a@x>", "only", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Emails, 1)
}

func TestRunDuplicateMessageIDEmittedOnce(t *testing.T) {
	// The same message visible in two folders must be delivered once.
	raw := rawMsg("<dup@x>", "both places", "Mon, 03 Feb 2025 09:00:00 +0000", "one")
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", raw)
	mailbox.add("Sent", raw)

	store := cache.NewMemoryStore()
	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Emails, 1)
	assert.Equal(t, []string{"<dup@x>"}, result.NewIDs)
}

func TestRunCarriesForwardUnseenCachedEntries(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "first", "Mon, 03 Feb 2025 09:00:00 +0000", "one"))

	store := cache.NewMemoryStore()

	_, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	// Simulate an enumeration gap: the message disappears from the
	// folder listing but its cache entry remains.
	mailbox.folders["INBOX"] = nil

	result, err := testPipeline(mailbox, store).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Emails, 1)
	assert.Equal(t, "first", result.Emails[0].Subject)
	assert.Empty(t, result.NewIDs)
}

func TestRunReportsProgress(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.add("INBOX", rawMsg("<a@x>", "one", "Mon, 03 Feb 2025 09:00:00 +0000", "x"))
	mailbox.add("INBOX", rawMsg("<b@x>", "two", "Tue, 04 Feb 2025 09:00:00 +0000", "y"))

	store := cache.NewMemoryStore()
	p := testPipeline(mailbox, store)

	var mu sync.Mutex
	var last int
	p.SetProgress(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, total)
		if done > last {
			last = done
		}
	})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, last)
}

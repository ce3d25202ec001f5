// Package mail talks IMAP to a single mailbox and turns raw messages
// into normalized email records.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// AuthError indicates that the mailbox rejected the configured
// credentials. It is fatal for a run and never retried.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// Client is a session factory for one mailbox endpoint. Every exported
// operation opens its own authenticated session and logs out on all exit
// paths: IMAP's selected-folder state is global to a connection, so
// sessions are never pooled or shared between workers.
type Client struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewClient creates a new IMAP client configuration.
func NewClient(host, port, username, password string, tls bool) *Client {
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
	}
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected session. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *Client) Connect(_ context.Context) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Username: c.username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}

	return client, nil
}

// ListSince connects, selects folder, and returns the UIDs of messages
// sent on or after since. A folder that does not exist or cannot be
// selected yields an empty result rather than an error: folder lists
// legitimately include localized Sent names that are absent on most
// servers.
func (c *Client) ListSince(
	ctx context.Context, folder string, since time.Time,
) ([]imap.UID, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return nil, nil
	}

	criteria := &imap.SearchCriteria{
		Since: since,
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}

	return searchData.AllUIDs(), nil
}

// FetchRaw connects, selects folder, and fetches the full raw message
// for uid. The returned bytes are owned by the caller and valid only for
// the current fetch attempt.
func (c *Client) FetchRaw(
	ctx context.Context, folder string, uid imap.UID,
) ([]byte, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d in %s has no body section", uid, folder)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch: %w", err)
	}

	return raw, nil
}

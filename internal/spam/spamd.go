package spam

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/teamwork/spamc"

	"github.com/nhle/mailsync/internal/model"
)

// SpamdScorer scores emails over the spamd protocol (SpamAssassin's
// CHECK command). The message is reconstructed in wire form from the
// normalized record before submission.
type SpamdScorer struct {
	client *spamc.Client
}

// NewSpamdScorer creates a scorer talking to spamd at addr
// (host:port, conventionally port 783).
func NewSpamdScorer(addr string) *SpamdScorer {
	return &SpamdScorer{
		client: spamc.New(addr, &net.Dialer{
			Timeout: 20 * time.Second,
		}),
	}
}

// Score submits the email for checking and returns the engine's score.
func (s *SpamdScorer) Score(ctx context.Context, em *model.Email) (float64, error) {
	check, err := s.client.Check(ctx, bytes.NewReader(WireMessage(em)), nil)
	if err != nil {
		return 0, fmt.Errorf("spamd check: %w", err)
	}
	return check.Score, nil
}

package spam

import (
	"fmt"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// WireMessage deterministically reconstructs an email in RFC 822 wire
// form (headers, blank line, body) for submission to the scoring engine.
// The same normalized record always produces the same bytes.
func WireMessage(em *model.Email) []byte {
	var msg strings.Builder

	writeHeader := func(name, value string) {
		if value == "" {
			return
		}
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", name, value))
	}

	writeHeader("From", em.From)
	writeHeader("To", em.To)
	writeHeader("Subject", em.Subject)
	if !em.Date.IsZero() {
		writeHeader("Date", em.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	}
	writeHeader("Message-ID", em.MessageID)
	writeHeader("Content-Type", "text/plain; charset=UTF-8")

	msg.WriteString("\r\n")
	msg.WriteString(em.Body)
	msg.WriteString("\r\n")

	return []byte(msg.String())
}

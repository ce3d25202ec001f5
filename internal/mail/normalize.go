package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// ErrUndated marks a message whose Date header is absent or unparsable.
// It is a validation rejection, not a parse failure: callers drop the
// message silently.
var ErrUndated = errors.New("message has no parseable date")

// wordDecoder decodes RFC 2047 encoded-words using go-message's charset
// table, so windows-1252, iso-8859-*, koi8-r and friends all resolve.
// Charsets the table does not know (unknown-8bit and friends) are read
// as UTF-8; invalid sequences come back with replacement characters.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(cs string, r io.Reader) (io.Reader, error) {
		rr, err := charset.Reader(cs, r)
		if err != nil {
			return r, nil
		}
		return rr, nil
	},
}

// DecodeHeader decodes RFC 2047 encoded-words (=?charset?encoding?text?=)
// in a header value. Each encoded word is decoded independently; a value
// that cannot be decoded at all is returned as-is, never an error.
func DecodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// Normalize is the pure transform from one raw RFC 822 message to the
// canonical email record. index is the message's position within its
// folder enumeration and seeds the synthetic thread id when the message
// carries no threading headers.
//
// Returned errors are either ErrUndated (drop the message, not a fault)
// or a parse error for MIME that cannot be opened at all.
func Normalize(
	folder string, index int, raw []byte,
) (*model.Email, []model.Attachment, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, nil, fmt.Errorf("opening message: %w", err)
	}
	defer mr.Close()

	header := mr.Header

	date, err := header.Date()
	if err != nil || date.IsZero() {
		return nil, nil, ErrUndated
	}

	subject := DecodeHeader(header.Get("Subject"))
	from := DecodeHeader(header.Get("From"))
	to := DecodeHeader(header.Get("To"))
	messageID := strings.TrimSpace(header.Get("Message-Id"))

	threadID := firstNonEmpty(
		header.Get("References"),
		header.Get("In-Reply-To"),
		messageID,
	)
	if threadID == "" {
		threadID = fmt.Sprintf("%s_%d", folder, index)
	}

	body, contentType, bodyCharset, attachments := extractParts(mr)

	em := &model.Email{
		Folder:             folder,
		Origin:             model.OriginForFolder(folder),
		Subject:            subject,
		From:               from,
		To:                 to,
		Date:               date,
		Body:               body,
		ContentType:        contentType,
		Charset:            bodyCharset,
		AttachmentsPresent: len(attachments) > 0,
		MessageID:          messageID,
		ThreadID:           strings.TrimSpace(threadID),
	}

	return em, attachments, nil
}

// extractParts walks the MIME structure once, collecting the body and
// the attachment list. The first non-attachment text/plain part wins;
// when no plain part exists the first text/html part is stripped to
// plain text. Any part carrying a filename is an attachment regardless
// of its content type.
func extractParts(mr *gomail.Reader) (
	body, contentType, bodyCharset string, attachments []model.Attachment,
) {
	var htmlBody, htmlType, htmlCharset string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken trailing part must not discard what was
			// already extracted.
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			if filename := inlineFilename(h); filename != "" {
				payload, readErr := io.ReadAll(part.Body)
				if readErr != nil {
					continue
				}
				attachments = append(attachments, model.Attachment{
					Filename: DecodeHeader(filename),
					Payload:  payload,
				})
				continue
			}

			ctype, params, _ := h.ContentType()
			payload, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(ctype, "text/plain") && body == "":
				body = string(payload)
				contentType = ctype
				bodyCharset = params["charset"]
			case strings.HasPrefix(ctype, "text/html") && htmlBody == "":
				htmlBody = string(payload)
				htmlType = ctype
				htmlCharset = params["charset"]
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			payload, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, model.Attachment{
				Filename: DecodeHeader(filename),
				Payload:  payload,
			})
		}
	}

	if body == "" && htmlBody != "" {
		body = htmlToText(htmlBody)
		contentType = htmlType
		bodyCharset = htmlCharset
	}

	return body, contentType, bodyCharset, attachments
}

// inlineFilename reports the filename an inline part carries, via its
// disposition parameters or the Content-Type name parameter. A filename
// on any part marks it as an attachment regardless of content type.
func inlineFilename(h *gomail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if f := params["filename"]; f != "" {
			return f
		}
	}
	if _, params, err := h.ContentType(); err == nil {
		if f := params["name"]; f != "" {
			return f
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

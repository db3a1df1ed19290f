package mail

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Header fields copied from a candidate. All but the transfer encoding are
// required; a body without one is sent as binary.
const (
	HeaderFrom             = "From"
	HeaderSubject          = "Subject"
	HeaderContentType      = "Content-Type"
	HeaderTransferEncoding = "Content-Transfer-Encoding"
)

// Outgoing is a forward built from a candidate. From, Subject, ContentType
// and TransferEncoding are copied verbatim; Body is opaque.
type Outgoing struct {
	From             string
	Sender           string // bare address parsed from From, used as MAIL FROM
	Subject          string
	ContentType      string
	TransferEncoding string
	Body             []byte
}

// NewOutgoing prepares a candidate for relaying.
func NewOutgoing(c *Candidate) (*Outgoing, error) {
	values, err := c.Headers.Require(HeaderFrom, HeaderSubject, HeaderContentType)
	if err != nil {
		return nil, err
	}

	addr, err := gomail.ParseAddress(values[0])
	if err != nil {
		return nil, fmt.Errorf("%w: from %q: %v", ErrInvalidAddress, values[0], err)
	}

	encoding := c.Headers[HeaderTransferEncoding]
	if encoding == "" {
		encoding = "binary"
	}

	return &Outgoing{
		From:             values[0],
		Sender:           addr.Address,
		Subject:          values[1],
		ContentType:      values[2],
		TransferEncoding: encoding,
		Body:             c.Body,
	}, nil
}

// Payload renders the message addressed to a single recipient. The body
// follows the header block byte for byte.
func (o *Outgoing) Payload(to string) ([]byte, error) {
	var h textproto.Header
	h.Set("From", o.From)
	h.Set("To", to)
	h.Set("Subject", o.Subject)
	h.Set("Date", FormatRFC822Date())
	h.Set("Message-Id", generateMessageID(o.Sender))
	h.Set("Mime-Version", "1.0")
	h.Set("Content-Type", o.ContentType)
	h.Set(HeaderTransferEncoding, o.TransferEncoding)

	var buf bytes.Buffer
	buf.Grow(len(o.Body) + 512)
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	buf.Write(o.Body)
	return buf.Bytes(), nil
}

func generateMessageID(from string) string {
	domain := "localhost"
	if idx := strings.LastIndex(from, "@"); idx != -1 && idx < len(from)-1 {
		domain = from[idx+1:]
	}

	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}

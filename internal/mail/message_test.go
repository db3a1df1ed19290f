package mail

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidate(body []byte) *Candidate {
	return &Candidate{
		SeqNum: 6,
		Headers: Headers{
			"From":         "Alice Example <alice@example.com>",
			"Subject":      "Monthly Invoice #42",
			"Content-Type": "application/octet-stream",
		},
		Body: body,
	}
}

func TestNewOutgoing(t *testing.T) {
	out, err := NewOutgoing(testCandidate([]byte("hello")))
	require.NoError(t, err)

	assert.Equal(t, "Alice Example <alice@example.com>", out.From)
	assert.Equal(t, "alice@example.com", out.Sender)
	assert.Equal(t, "Monthly Invoice #42", out.Subject)
	assert.Equal(t, "application/octet-stream", out.ContentType)
}

func TestNewOutgoing_MissingHeaders(t *testing.T) {
	for _, field := range []string{"From", "Subject", "Content-Type"} {
		t.Run(field, func(t *testing.T) {
			c := testCandidate(nil)
			delete(c.Headers, field)

			_, err := NewOutgoing(c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingHeader))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestNewOutgoing_InvalidSender(t *testing.T) {
	c := testCandidate(nil)
	c.Headers["From"] = "not an address"

	_, err := NewOutgoing(c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestPayload_BodyByteFidelity(t *testing.T) {
	body := []byte{0x00, 0xff, 0xfe, 'h', 'i', '\r', '\n', '.', '\n', 0xc3, 0x28, 0x80, 0x00}

	out, err := NewOutgoing(testCandidate(body))
	require.NoError(t, err)

	payload, err := out.Payload("bob@example.net")
	require.NoError(t, err)

	idx := bytes.Index(payload, []byte("\r\n\r\n"))
	require.Greater(t, idx, 0)
	assert.Equal(t, body, payload[idx+4:])
}

func TestPayload_Headers(t *testing.T) {
	out, err := NewOutgoing(testCandidate([]byte("x")))
	require.NoError(t, err)

	payload, err := out.Payload("bob@example.net")
	require.NoError(t, err)

	idx := bytes.Index(payload, []byte("\r\n\r\n"))
	require.Greater(t, idx, 0)
	header := ParseHeaders(payload[:idx])

	assert.Equal(t, "Alice Example <alice@example.com>", header["From"])
	assert.Equal(t, "bob@example.net", header["To"])
	assert.Equal(t, "Monthly Invoice #42", header["Subject"])
	assert.Equal(t, "application/octet-stream", header["Content-Type"])
	assert.Equal(t, "binary", header["Content-Transfer-Encoding"])
	assert.True(t, strings.HasSuffix(header["Message-Id"], "@example.com>"))
}

func TestPayload_KeepsTransferEncoding(t *testing.T) {
	c := testCandidate([]byte("SGVsbG8=\r\n"))
	c.Headers["Content-Type"] = "text/plain; charset=utf-8"
	c.Headers["Content-Transfer-Encoding"] = "base64"

	out, err := NewOutgoing(c)
	require.NoError(t, err)
	assert.Equal(t, "base64", out.TransferEncoding)

	payload, err := out.Payload("bob@example.net")
	require.NoError(t, err)

	idx := bytes.Index(payload, []byte("\r\n\r\n"))
	require.Greater(t, idx, 0)
	header := ParseHeaders(payload[:idx])
	assert.Equal(t, "base64", header["Content-Transfer-Encoding"])
	assert.Equal(t, c.Body, payload[idx+4:])
}

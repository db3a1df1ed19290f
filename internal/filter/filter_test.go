package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/postfixrelay/imapforward/internal/mail"
)

func TestMatchesSubject(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		want    bool
	}{
		{name: "substring match", pattern: "Invoice", subject: "Monthly Invoice #42", want: true},
		{name: "no match", pattern: "Invoice", subject: "Newsletter", want: false},
		{name: "empty pattern matches all", pattern: "", subject: "anything", want: true},
		{name: "empty pattern matches missing header", pattern: "", subject: "", want: true},
		{name: "regex search", pattern: `#\d+$`, subject: "Monthly Invoice #42", want: true},
		{name: "anchored regex", pattern: `^Invoice`, subject: "Monthly Invoice", want: false},
		{name: "invalid pattern never matches", pattern: "(", subject: "(", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("", tt.pattern)
			h := mail.Headers{"Subject": tt.subject}
			assert.Equal(t, tt.want, e.MatchesSubject(h))
		})
	}
}

func TestMatchesSender(t *testing.T) {
	e := New(`@example\.com>?$`, "")

	assert.True(t, e.MatchesSender(mail.Headers{"From": "Alice <alice@example.com>"}))
	assert.True(t, e.MatchesSender(mail.Headers{"From": "bob@example.com"}))
	assert.False(t, e.MatchesSender(mail.Headers{"From": "eve@example.org"}))
	assert.False(t, e.MatchesSender(mail.Headers{}))
}

func TestCheck(t *testing.T) {
	e := New("boss@", "Invoice")

	t.Run("both match", func(t *testing.T) {
		v := e.Check(mail.Headers{"From": "boss@corp.com", "Subject": "Invoice 7"})
		assert.True(t, v.Accepted)
	})

	t.Run("subject rejected first", func(t *testing.T) {
		v := e.Check(mail.Headers{"From": "intern@corp.com", "Subject": "Lunch"})
		assert.False(t, v.Accepted)
		assert.Equal(t, FieldSubject, v.Field)
		assert.Equal(t, "Lunch", v.Value)
	})

	t.Run("sender rejected", func(t *testing.T) {
		v := e.Check(mail.Headers{"From": "intern@corp.com", "Subject": "Invoice 8"})
		assert.False(t, v.Accepted)
		assert.Equal(t, FieldSender, v.Field)
		assert.Equal(t, "intern@corp.com", v.Value)
	})
}

func TestInvalidPatternFailsClosed(t *testing.T) {
	e := New("[unclosed", "")

	assert.True(t, e.Disabled())
	assert.False(t, e.Check(mail.Headers{"From": "[unclosed", "Subject": "x"}).Accepted)
	// the other field is unaffected
	assert.True(t, e.MatchesSubject(mail.Headers{"Subject": "x"}))
}

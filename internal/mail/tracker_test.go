package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseScanner_Events(t *testing.T) {
	s := newResponseScanner()
	s.feed([]byte("* 3 RECENT\r\n* OK [UIDNEXT 9] predicted\r\n+ idling\r\n* 4 EXISTS\r\n* 2 EXPUNGE\r\nA1 OK done\r\n* BYE closing\r\n"))

	assert.Equal(t, []serverEvent{
		{kind: eventExists, count: 4},
		{kind: eventExpunge, count: 2},
		{kind: eventTagged},
		{kind: eventBye},
	}, s.queue)

	select {
	case <-s.notify:
	default:
		t.Fatal("expected a notification")
	}
}

func TestResponseScanner_SplitAcrossReads(t *testing.T) {
	s := newResponseScanner()
	s.feed([]byte("* 4 EXI"))
	assert.Empty(t, s.queue)

	s.feed([]byte("STS\r"))
	s.feed([]byte("\n* 5 EXISTS\r\n"))
	assert.Equal(t, []serverEvent{exists(4), exists(5)}, s.queue)
}

func TestResponseScanner_SkipsLiterals(t *testing.T) {
	s := newResponseScanner()
	// the literal holds 13 bytes that look like a response
	s.feed([]byte("* 1 FETCH (BODY[TEXT] {13}\r\n* 99 EXI"))
	s.feed([]byte("STS\r\n FLAGS (\\Seen))\r\n* 2 EXISTS\r\n"))

	assert.Equal(t, []serverEvent{exists(2)}, s.queue)
}

func TestResponseScanner_Settle(t *testing.T) {
	s := newResponseScanner()
	s.feed([]byte("* 5 EXISTS\r\n* 0 RECENT\r\n* 1 EXPUNGE\r\nA2 OK [READ-WRITE] SELECT completed\r\n* 9 EXISTS\r\n"))

	assert.Equal(t, uint32(4), s.settle())
	assert.Equal(t, []serverEvent{exists(9)}, s.queue)

	ev, ok := s.next()
	assert.True(t, ok)
	assert.Equal(t, exists(9), ev)
	_, ok = s.next()
	assert.False(t, ok)
}

func TestLiteralSize(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{line: "* 1 FETCH (BODY[] {42}", want: 42, ok: true},
		{line: "A1 LOGIN {5+}", want: 5, ok: true},
		{line: "* 1 FETCH (FLAGS ())", ok: false},
		{line: "* OK {abc}", ok: false},
		{line: "}", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			n, ok := literalSize([]byte(tt.line))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}

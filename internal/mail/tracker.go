package mail

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"sync"
)

type eventKind int

const (
	eventExists eventKind = iota
	eventExpunge
	eventBye
	eventTagged
)

// serverEvent is one server response that moves the message count or ends
// a command, in the order it arrived on the wire
type serverEvent struct {
	kind  eventKind
	count uint32
}

// trackingConn copies everything read from the server into a scanner.
// The IMAP client library keeps a single shared mailbox status that later
// responses overwrite, so counts are followed from the stream instead.
type trackingConn struct {
	net.Conn
	scan *responseScanner
}

func (c *trackingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.scan.feed(p[:n])
	}
	return n, err
}

// responseScanner splits the response stream into lines, skips literal
// payloads and queues the events the session cares about
type responseScanner struct {
	mu      sync.Mutex
	line    []byte
	literal int64
	// the current line continues a response after a literal
	cont   bool
	queue  []serverEvent
	notify chan struct{}
}

func newResponseScanner() *responseScanner {
	return &responseScanner{notify: make(chan struct{}, 1)}
}

func (s *responseScanner) feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(p) > 0 {
		if s.literal > 0 {
			n := int64(len(p))
			if n > s.literal {
				n = s.literal
			}
			s.literal -= n
			p = p[n:]
			continue
		}

		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.line = append(s.line, p...)
			return
		}
		s.line = append(s.line, p[:i]...)
		p = p[i+1:]
		s.endLine()
	}
}

func (s *responseScanner) endLine() {
	line := bytes.TrimSuffix(s.line, []byte("\r"))
	first := !s.cont

	if n, ok := literalSize(line); ok {
		s.literal = n
		s.cont = true
	} else {
		s.cont = false
	}

	if first {
		if ev, ok := parseEvent(string(line)); ok {
			s.queue = append(s.queue, ev)
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
	s.line = s.line[:0]
}

// next pops the oldest queued event
func (s *responseScanner) next() (serverEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return serverEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// settle consumes events up to the next tagged completion and returns the
// message count announced before it
func (s *responseScanner) settle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count uint32
	for i, ev := range s.queue {
		switch ev.kind {
		case eventExists:
			count = ev.count
		case eventExpunge:
			if count > 0 {
				count--
			}
		case eventTagged:
			s.queue = s.queue[i+1:]
			return count
		}
	}
	s.queue = nil
	return count
}

func (s *responseScanner) reset() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// literalSize reports the byte count of a literal announced at the end of
// a line, as in "{42}" or the non-synchronizing "{42+}"
func literalSize(line []byte) (int64, bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	digits := bytes.TrimSuffix(line[open+1:len(line)-1], []byte("+"))
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseEvent(line string) (serverEvent, bool) {
	if strings.HasPrefix(line, "+") {
		return serverEvent{}, false
	}

	if rest, ok := strings.CutPrefix(line, "* "); ok {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return serverEvent{}, false
		}
		if strings.EqualFold(fields[0], "BYE") {
			return serverEvent{kind: eventBye}, true
		}
		if len(fields) < 2 {
			return serverEvent{}, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return serverEvent{}, false
		}
		switch strings.ToUpper(fields[1]) {
		case "EXISTS":
			return serverEvent{kind: eventExists, count: uint32(n)}, true
		case "EXPUNGE":
			return serverEvent{kind: eventExpunge, count: uint32(n)}, true
		}
		return serverEvent{}, false
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return serverEvent{}, false
	}
	switch strings.ToUpper(fields[1]) {
	case "OK", "NO", "BAD":
		return serverEvent{kind: eventTagged}, true
	}
	return serverEvent{}, false
}

package filter

import (
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/postfixrelay/imapforward/internal/mail"
)

// Field names checked by the engine
const (
	FieldSender  = "From"
	FieldSubject = "Subject"
)

// pattern is an optional compiled expression. A nil re with invalid set means
// the input did not compile and the pattern never matches.
type pattern struct {
	source  string
	re      *regexp.Regexp
	invalid bool
}

func compile(field, source string) pattern {
	p := pattern{source: source}
	if source == "" {
		return p
	}

	re, err := regexp.Compile(source)
	if err != nil {
		log.Warn().Err(err).Str("field", field).Str("pattern", source).
			Msg("Invalid filter expression, nothing will match this field")
		p.invalid = true
		return p
	}
	p.re = re
	return p
}

func (p pattern) match(value string) bool {
	if p.invalid {
		return false
	}
	if p.re == nil {
		return true
	}
	return p.re.MatchString(value)
}

// Engine evaluates message headers against the optional sender and subject
// expressions.
type Engine struct {
	sender  pattern
	subject pattern
}

// Verdict is the outcome of Check. On rejection Field and Value name the
// header that failed.
type Verdict struct {
	Accepted bool
	Field    string
	Value    string
}

// New compiles both expressions. An empty expression matches everything; an
// expression that does not compile matches nothing.
func New(senderPattern, subjectPattern string) *Engine {
	return &Engine{
		sender:  compile(FieldSender, senderPattern),
		subject: compile(FieldSubject, subjectPattern),
	}
}

// MatchesSender reports whether the From header satisfies the sender expression.
func (e *Engine) MatchesSender(h mail.Headers) bool {
	return e.sender.match(h[FieldSender])
}

// MatchesSubject reports whether the Subject header satisfies the subject expression.
func (e *Engine) MatchesSubject(h mail.Headers) bool {
	return e.subject.match(h[FieldSubject])
}

// Check applies the subject check, then the sender check.
func (e *Engine) Check(h mail.Headers) Verdict {
	if !e.MatchesSubject(h) {
		return Verdict{Field: FieldSubject, Value: h[FieldSubject]}
	}
	if !e.MatchesSender(h) {
		return Verdict{Field: FieldSender, Value: h[FieldSender]}
	}
	return Verdict{Accepted: true}
}

// Disabled reports whether any configured expression failed to compile.
func (e *Engine) Disabled() bool {
	return e.sender.invalid || e.subject.invalid
}

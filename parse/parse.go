// Package parse implements the incremental HTTP/1.1 request parser.
//
// The parser is push-based: the connection feeds it whatever bytes the
// transport produced, in fragments of any size, and it resumes from saved
// state. Decoded elements are reported through a [Listener]. It has no
// knowledge of threading; one connection owns one Parser.
package parse

import (
	"bytes"
	"strconv"
	"strings"

	"httpcore/chunked"
	"httpcore/message"
	"httpcore/status"

	"github.com/pkg/errors"
)

// Limits bounds the size of inbound request heads. Zero means unlimited.
type Limits struct {
	// MaxHeaderBytes limits the accumulated request line plus header block.
	MaxHeaderBytes int
	// MaxURIBytes limits the request target alone.
	MaxURIBytes int
}

// Framing is the rule delimiting the message body.
type Framing uint8

const (
	// FramingNone means the request has no body.
	FramingNone Framing = iota
	// FramingContentLength means exactly ContentLength body bytes follow.
	FramingContentLength
	// FramingChunked delegates body framing to the chunked codec.
	FramingChunked
)

// Listener receives parse events. Returning an error from any callback
// stops the parser and propagates out of Feed.
type Listener interface {
	OnRequestLine(method, target string, version message.Version) error
	OnHeader(f message.Field) error
	OnHeadersComplete(framing Framing, contentLength uint64) error
	OnBody(data []byte) error
	OnMessageComplete(trailers []message.Field) error
}

// ErrEarlyEOF is the cause carried by premature-termination errors: the
// peer closed or errored while body framing still expected bytes.
var ErrEarlyEOF = errors.New("Early EOF")

type pstate uint8

const (
	stateStartLine pstate = iota
	stateHeaders
	stateBodyFixed
	stateBodyChunked
)

type Parser struct {
	limits   Limits
	listener Listener

	state pstate
	line  []byte // partial line across feeds
	head  int    // request line + header bytes seen so far

	sawTargetSP bool // request line progressed past "METHOD "

	framing   Framing
	remain    uint64 // content-length bytes still expected
	chunk     *chunked.Decoder
	hasCL     bool
	isChunked bool
}

func New(limits Limits, l Listener) *Parser {
	return &Parser{limits: limits, listener: l}
}

// Idle reports whether the parser sits at a message boundary with no
// buffered partial input. Peer EOF at an idle parser is a clean close;
// anywhere else it is an early EOF.
func (p *Parser) Idle() bool {
	return p.state == stateStartLine && len(p.line) == 0
}

// EOF tells the parser the byte stream ended. It returns nil at a clean
// message boundary and a premature-termination error otherwise.
func (p *Parser) EOF() error {
	if p.Idle() {
		return nil
	}
	return status.NewError(ErrEarlyEOF, status.BadRequest)
}

// Feed consumes newly arrived bytes, emitting events to the listener.
// A returned error is fatal; the parser must not be fed again.
func (p *Parser) Feed(data []byte) error {
	for len(data) > 0 {
		var err error
		switch p.state {
		case stateStartLine:
			data, err = p.feedStartLine(data)
		case stateHeaders:
			data, err = p.feedHeaders(data)
		case stateBodyFixed:
			data, err = p.feedBodyFixed(data)
		case stateBodyChunked:
			data, err = p.feedBodyChunked(data)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Parser) feedStartLine(data []byte) (rest []byte, err error) {
	line, rest, ok, err := p.takeHeadLine(data)
	if err != nil || !ok {
		return rest, err
	}

	if len(line) == 0 {
		// Empty line(s) before the request line are tolerated.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
		p.head = 0
		return rest, nil
	}

	method, target, version, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	if p.limits.MaxURIBytes > 0 && len(target) > p.limits.MaxURIBytes {
		return nil, status.NewError(errors.New("request target exceeds limit"), status.URITooLong)
	}

	if err := validateTarget(method, target); err != nil {
		return nil, err
	}

	if err := p.listener.OnRequestLine(method, target, version); err != nil {
		return nil, err
	}

	p.state = stateHeaders
	p.hasCL = false
	p.isChunked = false
	p.remain = 0
	return rest, nil
}

func (p *Parser) feedHeaders(data []byte) (rest []byte, err error) {
	line, rest, ok, err := p.takeHeadLine(data)
	if err != nil || !ok {
		return rest, err
	}

	if len(line) > 0 {
		field, err := message.ParseField(line)
		if err != nil {
			return nil, status.NewError(err, status.BadRequest)
		}

		if err := p.onHeaderField(field); err != nil {
			return nil, err
		}
		return rest, nil
	}

	// Empty line: the header block is complete.
	switch {
	case p.isChunked:
		p.framing = FramingChunked
		p.chunk = &chunked.Decoder{}
		p.state = stateBodyChunked
	case p.hasCL && p.remain > 0:
		p.framing = FramingContentLength
		p.state = stateBodyFixed
	default:
		// Neither framing header (or Content-Length: 0): no body.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.7
		p.framing = FramingNone
	}

	if err := p.listener.OnHeadersComplete(p.framing, p.remain); err != nil {
		return nil, err
	}

	if p.framing == FramingNone {
		return rest, p.finishMessage(nil)
	}
	return rest, nil
}

func (p *Parser) onHeaderField(f message.Field) error {
	switch f.Name {
	case "Content-Length":
		length, err := strconv.ParseUint(f.Value, 10, 63)
		if err != nil {
			return status.NewError(errors.Wrap(err, "parsing Content-Length"), status.BadRequest)
		}
		if p.hasCL && p.remain != length {
			return status.NewError(errors.New("conflicting Content-Length"), status.BadRequest)
		}
		p.hasCL = true
		p.remain = length
	case "Transfer-Encoding":
		// Only final-coding chunked is handled here; other codings belong
		// to layers above the engine.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
		for _, coding := range strings.Split(f.Value, ",") {
			if strings.EqualFold(strings.Trim(coding, " \t"), "chunked") {
				p.isChunked = true
			}
		}
	}

	return p.listener.OnHeader(f)
}

func (p *Parser) feedBodyFixed(data []byte) (rest []byte, err error) {
	take := uint64(len(data))
	if take > p.remain {
		take = p.remain
	}

	p.remain -= take
	if err := p.listener.OnBody(data[:take]); err != nil {
		return nil, err
	}

	if p.remain == 0 {
		return data[take:], p.finishMessage(nil)
	}
	return data[take:], nil
}

func (p *Parser) feedBodyChunked(data []byte) (rest []byte, err error) {
	n, body, done, err := p.chunk.Next(data)
	if err != nil {
		return nil, status.NewError(err, status.BadRequest)
	}

	if len(body) > 0 {
		if err := p.listener.OnBody(body); err != nil {
			return nil, err
		}
	}

	if done {
		return data[n:], p.finishMessage(p.chunk.Trailers())
	}
	return data[n:], nil
}

func (p *Parser) finishMessage(trailers []message.Field) error {
	p.state = stateStartLine
	p.head = 0
	p.chunk = nil
	p.sawTargetSP = false
	return p.listener.OnMessageComplete(trailers)
}

// takeHeadLine accumulates a request-line/header line, enforcing the head
// size limit as bytes arrive so an obviously oversized head fails without
// being read to completion.
func (p *Parser) takeHeadLine(data []byte) (line, rest []byte, ok bool, err error) {
	idx := bytes.IndexByte(data, message.LF)

	consumed := idx + 1
	if idx < 0 {
		consumed = len(data)
	}
	p.head += consumed

	if p.limits.MaxHeaderBytes > 0 && p.head > p.limits.MaxHeaderBytes {
		return nil, nil, false, p.overflowError(data)
	}

	if idx < 0 {
		p.line = append(p.line, data...)
		return nil, nil, false, nil
	}

	p.line = append(p.line, data[:idx]...)
	line = p.line
	p.line = nil

	if len(line) > 0 && line[len(line)-1] == message.CR {
		line = line[:len(line)-1]
	}

	return line, data[consumed:], true, nil
}

// overflowError classifies a head-size overflow: while the request line is
// still being read past its first space the oversized element is the
// target (414); anywhere else the header block is to blame (431).
func (p *Parser) overflowError(pending []byte) error {
	if p.state == stateStartLine {
		inTarget := p.sawSP(pending)
		if inTarget {
			return status.NewError(errors.New("request target exceeds limit"), status.URITooLong)
		}
	}
	return status.NewError(errors.New("request head exceeds limit"), status.RequestHeaderFieldsTooLarge)
}

func (p *Parser) sawSP(pending []byte) bool {
	if p.sawTargetSP {
		return true
	}
	if bytes.IndexByte(p.line, message.SP) >= 0 || bytes.IndexByte(pending, message.SP) >= 0 {
		p.sawTargetSP = true
	}
	return p.sawTargetSP
}

func parseRequestLine(line []byte) (method, target string, version message.Version, err error) {
	bad := func(cause string) error {
		return status.NewError(errors.New(cause), status.BadRequest)
	}

	parts := bytes.Split(line, []byte{message.SP})
	if len(parts) != 3 {
		return "", "", message.Version{}, bad("request line is malformed")
	}

	method = string(parts[0])
	if !message.IsValidToken(method) {
		return "", "", message.Version{}, bad("method is not a valid token")
	}

	target = string(parts[1])
	if len(target) == 0 {
		return "", "", message.Version{}, bad("request target is empty")
	}

	version, verr := message.ParseVersion(parts[2])
	if verr != nil {
		return "", "", message.Version{}, status.NewError(verr, status.BadRequest)
	}

	return method, target, version, nil
}

func validateTarget(method, target string) error {
	if target == "*" {
		// asterisk-form is only meaningful for OPTIONS.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.4
		if method != "OPTIONS" {
			return status.NewError(errors.New("asterisk-form target requires OPTIONS"), status.BadRequest)
		}
		return nil
	}

	for i := 0; i < len(target); i++ {
		if target[i] != '%' {
			continue
		}
		if i+2 >= len(target) || !isHex(target[i+1]) || !isHex(target[i+2]) {
			return status.NewError(errors.Errorf("invalid percent-encoding in target at %d", i), status.BadRequest)
		}
		i += 2
	}

	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') ||
		('a' <= c && c <= 'f') ||
		('A' <= c && c <= 'F')
}

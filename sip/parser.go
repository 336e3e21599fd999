package sip

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/internal/errorutil"
)

// MaxMessageSize is the default limit of a single message size on stream transports.
const MaxMessageSize = 64 * 1024

// Parser is an interface for parsing SIP messages.
//
// It parses a single SIP message from a datagram or
// a sequence of messages framed by Content-Length from a byte stream.
type Parser interface {
	// ParsePacket parses a single SIP message from the given buffer b.
	// It assumes that b contains a full SIP message.
	ParsePacket(b []byte) (Message, error)
	// ParseStream creates a new [StreamParser] for parsing SIP messages from the given [io.Reader].
	ParseStream(r io.Reader) StreamParser
}

// StreamParser parses SIP messages from a byte stream.
type StreamParser interface {
	// Messages returns an iterator that yields each parsed [Message] and an error, if any.
	// Framing errors are fatal, the iteration stops after yielding them.
	// Parse errors of a well framed message are not, the iterator continues with the next frame.
	Messages() iter.Seq2[Message, error]
}

// DefaultParser implements the [Parser] interface on top of the sipgo parser.
type DefaultParser struct {
	// MaxMessageSize limits size of a single message on a stream.
	// If zero, [MaxMessageSize] is used.
	MaxMessageSize int

	p *sipmsg.Parser
}

// NewParser creates a new [DefaultParser].
func NewParser(maxMsgSize int) *DefaultParser {
	return &DefaultParser{
		MaxMessageSize: maxMsgSize,
		p:              sipmsg.NewParser(),
	}
}

var defParser = NewParser(0)

// ParsePacket parses a single SIP message using the default parser.
func ParsePacket(b []byte) (Message, error) { return errtrace.Wrap2(defParser.ParsePacket(b)) }

// ParseStream creates a new [StreamParser] using the default parser.
func ParseStream(r io.Reader) StreamParser { return defParser.ParseStream(r) }

// ParsePacket parses a single SIP message from the given buffer b.
func (p *DefaultParser) ParsePacket(b []byte) (Message, error) {
	if p.p == nil {
		p.p = sipmsg.NewParser()
	}

	msg, err := p.p.ParseSIP(b)
	if err != nil {
		return nil, errtrace.Wrap(&ParseError{Err: err, Data: b})
	}
	return msg, nil
}

// ParseStream creates a new [StreamParser] for parsing SIP messages from the given [io.Reader].
func (p *DefaultParser) ParseStream(r io.Reader) StreamParser {
	maxSize := p.MaxMessageSize
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	return &defaultStreamParser{
		p:       p,
		rdr:     bufio.NewReaderSize(r, 4096),
		maxSize: maxSize,
	}
}

type defaultStreamParser struct {
	p       *DefaultParser
	rdr     *bufio.Reader
	maxSize int
}

func (sp *defaultStreamParser) Messages() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			frame, err := sp.readFrame()
			if err != nil {
				yield(nil, errtrace.Wrap(err))
				return
			}

			msg, err := sp.p.ParsePacket(frame)
			if !yield(msg, err) {
				return
			}
		}
	}
}

// readFrame reads the header section up to the empty line
// and then exactly Content-Length bytes of the body.
func (sp *defaultStreamParser) readFrame() ([]byte, error) {
	var buf bytes.Buffer
	contentLen := -1
	for {
		line, err := sp.rdr.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, errtrace.Wrap(&ParseError{Err: ErrMessageTooLarge, Data: buf.Bytes()})
			}
			if errors.Is(err, io.EOF) && (buf.Len() > 0 || len(line) > 0) {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}

		// keep-alive CRLFs between messages (RFC 5626 section 3.5.1)
		if buf.Len() == 0 && isBlankLine(line) {
			continue
		}

		if buf.Len()+len(line) > sp.maxSize {
			return nil, errtrace.Wrap(&ParseError{Err: ErrMessageTooLarge, Data: buf.Bytes()})
		}
		buf.Write(line)

		if isBlankLine(line) {
			break
		}
		if n, ok := parseContentLength(line); ok {
			contentLen = n
		}
	}

	if contentLen < 0 {
		return nil, errtrace.Wrap(&ParseError{
			Err:  fmt.Errorf("%w: missing Content-Length on stream", ErrInvalidMessage),
			Data: buf.Bytes(),
		})
	}
	if buf.Len()+contentLen > sp.maxSize {
		return nil, errtrace.Wrap(&ParseError{Err: ErrMessageTooLarge, Data: buf.Bytes()})
	}

	if contentLen > 0 {
		if _, err := io.CopyN(&buf, sp.rdr, int64(contentLen)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
	}
	return buf.Bytes(), nil
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

func parseContentLength(line []byte) (int, bool) {
	name, val, ok := strings.Cut(string(line), ":")
	if !ok {
		return 0, false
	}
	name = strings.TrimSpace(name)
	if !strings.EqualFold(name, "Content-Length") && !strings.EqualFold(name, "l") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseError is returned when a message can not be framed or parsed.
type ParseError struct {
	Err  error
	Data []byte
}

func (err *ParseError) Error() string {
	if err == nil {
		return "<nil>"
	}
	return "parse message: " + err.Err.Error()
}

func (err *ParseError) Unwrap() error { return err.Err }

func (err *ParseError) Timeout() bool { return errorutil.IsTimeoutErr(err.Err) }

func (err *ParseError) Temporary() bool { return errorutil.IsTemporaryErr(err.Err) }

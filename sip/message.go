package sip

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipstack/internal/types"
)

// Message model of the parser collaborator.
type (
	Message       = sipmsg.Message
	Request       = sipmsg.Request
	Response      = sipmsg.Response
	RequestMethod = sipmsg.RequestMethod
	Uri           = sipmsg.Uri //nolint:revive
	Header        = sipmsg.Header
)

// Request methods.
const (
	INVITE    = sipmsg.INVITE
	ACK       = sipmsg.ACK
	CANCEL    = sipmsg.CANCEL
	BYE       = sipmsg.BYE
	REGISTER  = sipmsg.REGISTER
	OPTIONS   = sipmsg.OPTIONS
	SUBSCRIBE = sipmsg.SUBSCRIBE
	NOTIFY    = sipmsg.NOTIFY
	REFER     = sipmsg.REFER
	INFO      = sipmsg.INFO
	MESSAGE   = sipmsg.MESSAGE
	PRACK     = sipmsg.PRACK
	UPDATE    = sipmsg.UPDATE
	PUBLISH   = sipmsg.PUBLISH
)

// StatusCode is a SIP response status code.
type StatusCode = int

// Status codes used by the stack.
const (
	StatusTrying                      StatusCode = 100
	StatusRinging                     StatusCode = 180
	StatusOK                          StatusCode = 200
	StatusBadRequest                  StatusCode = 400
	StatusNotFound                    StatusCode = 404
	StatusCallTransactionDoesNotExist StatusCode = 481
	StatusRequestTerminated           StatusCode = 487
	StatusInternalServerError         StatusCode = 500
)

// TransportProto is a SIP transport protocol name as it appears in the Via header.
type TransportProto = types.TransportProto

// Supported transport protocols.
const (
	ProtoUDP = types.ProtoUDP
	ProtoTCP = types.ProtoTCP
	ProtoTLS = types.ProtoTLS
)

// MagicCookie is the prefix of RFC 3261 compliant branch parameters.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch checks whether the branch is generated by an RFC 3261 compliant element.
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch generates a new unique RFC 3261 compliant branch parameter.
func GenerateBranch() string {
	u := uuid.New()
	return MagicCookie + "." + hex.EncodeToString(u[:])
}

// GenerateTag generates a new random From/To tag.
func GenerateTag() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

// GenerateCallID generates a new globally unique Call-ID.
func GenerateCallID() string { return uuid.NewString() }

// IsProvisional reports whether the status code is 1xx.
func IsProvisional(res *Response) bool { return res.StatusCode >= 100 && res.StatusCode < 200 }

// IsSuccessful reports whether the status code is 2xx.
func IsSuccessful(res *Response) bool { return res.StatusCode >= 200 && res.StatusCode < 300 }

// IsFinal reports whether the status code is final, i.e. 2xx-6xx.
func IsFinal(res *Response) bool { return res.StatusCode >= 200 }

// Encode renders the message to the wire format.
// Content-Length header is added when it is missing.
func Encode(msg Message) []byte {
	if msg.ContentLength() == nil {
		cl := sipmsg.ContentLengthHeader(len(msg.Body()))
		msg.AppendHeader(&cl)
	}
	return []byte(msg.String())
}

// ValidateRequest checks that the request has all headers
// needed to match it to a transaction and a dialog (RFC 3261 section 8.1.1).
func ValidateRequest(req *Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}

	var miss []string
	if req.Via() == nil {
		miss = append(miss, "Via")
	}
	if req.From() == nil {
		miss = append(miss, "From")
	}
	if req.To() == nil {
		miss = append(miss, "To")
	}
	if req.CallID() == nil {
		miss = append(miss, "Call-ID")
	}
	if req.CSeq() == nil {
		miss = append(miss, "CSeq")
	}
	if len(miss) > 0 {
		return errtrace.Wrap(fmt.Errorf("%w: %w: %s", ErrInvalidMessage, errMissHdrs, strings.Join(miss, ", ")))
	}

	if cseq := req.CSeq(); !strings.EqualFold(string(cseq.MethodName), string(req.Method)) {
		return errtrace.Wrap(fmt.Errorf("%w: CSeq method %q does not match request method %q",
			ErrInvalidMessage, cseq.MethodName, req.Method))
	}
	return nil
}

// ValidateResponse checks that the response has all headers needed to match it to a transaction.
func ValidateResponse(res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}

	var miss []string
	if res.Via() == nil {
		miss = append(miss, "Via")
	}
	if res.From() == nil {
		miss = append(miss, "From")
	}
	if res.To() == nil {
		miss = append(miss, "To")
	}
	if res.CallID() == nil {
		miss = append(miss, "Call-ID")
	}
	if res.CSeq() == nil {
		miss = append(miss, "CSeq")
	}
	if len(miss) > 0 {
		return errtrace.Wrap(fmt.Errorf("%w: %w: %s", ErrInvalidMessage, errMissHdrs, strings.Join(miss, ", ")))
	}
	if res.StatusCode < 100 || res.StatusCode > 699 {
		return errtrace.Wrap(fmt.Errorf("%w: invalid status code %d", ErrInvalidMessage, int(res.StatusCode)))
	}
	return nil
}

type headersReader interface {
	Via() *sipmsg.ViaHeader
	From() *sipmsg.FromHeader
	To() *sipmsg.ToHeader
	CallID() *sipmsg.CallIDHeader
	CSeq() *sipmsg.CSeqHeader
}

func msgBranch(msg headersReader) string {
	via := msg.Via()
	if via == nil || via.Params == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// viaSentBy returns the normalized sent-by of the Via header.
// The port defaults to the well-known port of the Via transport.
func viaSentBy(via *sipmsg.ViaHeader) string {
	if via == nil {
		return ""
	}
	port := via.Port
	if port <= 0 {
		port = int(TransportProto(via.Transport).DefaultPort())
	}
	return net.JoinHostPort(strings.ToLower(strings.Trim(via.Host, "[]")), strconv.Itoa(port))
}

func msgFromTag(msg headersReader) string {
	from := msg.From()
	if from == nil || from.Params == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

func msgToTag(msg headersReader) string {
	to := msg.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func setToTag(msg headersReader, tag string) {
	to := msg.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sipmsg.NewParams()
	}
	to.Params.Add("tag", tag)
}

func msgCallID(msg headersReader) string {
	if id := msg.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func msgCSeq(msg headersReader) (uint32, RequestMethod) {
	if cseq := msg.CSeq(); cseq != nil {
		return cseq.SeqNo, RequestMethod(strings.ToUpper(string(cseq.MethodName)))
	}
	return 0, ""
}

func methodIs(method, other RequestMethod) bool {
	return strings.EqualFold(string(method), string(other))
}

func methodIn(method RequestMethod, list []RequestMethod) bool {
	return slices.ContainsFunc(list, func(m RequestMethod) bool { return methodIs(method, m) })
}

// headerValues returns values of all headers with the name
// splitting comma separated lists of name-addr values.
func headerValues(msg Message, name string) []string {
	var vals []string
	for _, h := range msg.GetHeaders(name) {
		vals = append(vals, splitAddrList(h.Value())...)
	}
	return vals
}

// splitAddrList splits comma separated name-addr list respecting quotes and angle brackets.
func splitAddrList(s string) []string {
	var (
		out     []string
		quoted  bool
		bracket bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == '<' && !quoted:
			bracket = true
		case c == '>' && !quoted:
			bracket = false
		case c == ',' && !quoted && !bracket:
			if v := strings.TrimSpace(s[start:i]); v != "" {
				out = append(out, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		out = append(out, v)
	}
	return out
}

// addrURI extracts the URI from the name-addr or addr-spec value.
func addrURI(val string) (Uri, error) {
	raw := val
	if i := strings.IndexByte(val, '<'); i >= 0 {
		j := strings.IndexByte(val[i:], '>')
		if j < 0 {
			return Uri{}, errtrace.Wrap(fmt.Errorf("%w: unterminated address %q", ErrInvalidMessage, val))
		}
		raw = val[i+1 : i+j]
	} else if i := strings.IndexByte(val, ';'); i >= 0 {
		raw = val[:i]
	}

	var uri Uri
	if err := sipmsg.ParseUri(strings.TrimSpace(raw), &uri); err != nil {
		return Uri{}, errtrace.Wrap(fmt.Errorf("%w: parse URI %q: %w", ErrInvalidMessage, raw, err))
	}
	return uri, nil
}

// NewResponse creates a response on the request.
// A To tag is set for non-100 responses unless the request or
// the tag argument already defines it.
func NewResponse(req *Request, code StatusCode, reason, toTag string) *Response {
	res := sipmsg.NewResponseFromRequest(req, code, reason, nil)
	if res.StatusCode > 100 && msgToTag(req) == "" {
		if toTag == "" {
			toTag = GenerateTag()
		}
		setToTag(res, toTag)
	}
	return res
}

// newNon2xxAck builds the ACK for a non-2xx final response (RFC 3261 section 17.1.1.3).
func newNon2xxAck(req *Request, res *Response) *Request {
	ack := sipmsg.NewRequest(ACK, req.Recipient)
	if via := req.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	for _, h := range req.GetHeaders("Route") {
		ack.AppendHeader(sipmsg.HeaderClone(h))
	}
	mf := sipmsg.MaxForwardsHeader(70)
	ack.AppendHeader(&mf)
	if from := req.From(); from != nil {
		ack.AppendHeader(sipmsg.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sipmsg.HeaderClone(to))
	}
	if callID := req.CallID(); callID != nil {
		ack.AppendHeader(sipmsg.HeaderClone(callID))
	}
	seq, _ := msgCSeq(req)
	ack.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: ACK})
	ack.SetTransport(req.Transport())
	ack.SetDestination(req.Destination())
	return ack
}

// NewCancel builds the CANCEL request for the INVITE (RFC 3261 section 9.1).
func NewCancel(req *Request) *Request {
	cancel := sipmsg.NewRequest(CANCEL, req.Recipient)
	if via := req.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	for _, h := range req.GetHeaders("Route") {
		cancel.AppendHeader(sipmsg.HeaderClone(h))
	}
	mf := sipmsg.MaxForwardsHeader(70)
	cancel.AppendHeader(&mf)
	for _, name := range []string{"From", "To", "Call-ID"} {
		if h := req.GetHeader(name); h != nil {
			cancel.AppendHeader(sipmsg.HeaderClone(h))
		}
	}
	seq, _ := msgCSeq(req)
	cancel.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: CANCEL})
	cancel.SetTransport(req.Transport())
	cancel.SetDestination(req.Destination())
	return cancel
}

type msgLogValue struct{ msg Message }

func (v msgLogValue) LogValue() slog.Value {
	switch m := v.msg.(type) {
	case *Request:
		if m == nil {
			return slog.Value{}
		}
		seq, method := msgCSeq(m)
		return slog.GroupValue(
			slog.String("method", string(m.Method)),
			slog.String("uri", m.Recipient.String()),
			slog.String("branch", msgBranch(m)),
			slog.String("call_id", msgCallID(m)),
			slog.String("cseq", fmt.Sprintf("%d %s", seq, method)),
		)
	case *Response:
		if m == nil {
			return slog.Value{}
		}
		seq, method := msgCSeq(m)
		return slog.GroupValue(
			slog.Int("status", int(m.StatusCode)),
			slog.String("reason", m.Reason),
			slog.String("branch", msgBranch(m)),
			slog.String("call_id", msgCallID(m)),
			slog.String("cseq", fmt.Sprintf("%d %s", seq, method)),
		)
	default:
		return slog.AnyValue(v.msg)
	}
}

// logMsg wraps the message to log only its identity.
func logMsg(msg Message) slog.LogValuer { return msgLogValue{msg} }

package coap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/xid"
)

// Request is a CON/NON message carrying a request code, plus the
// remote peer it arrived from or is destined to (spec §3, §4.2).
type Request struct {
	Message
	// Remote is the peer's address: set by the endpoint on receipt,
	// and consulted by the server to reply without the caller
	// supplying it again.
	Remote *net.UDPAddr
	// Secure marks whether this request should carry a DTLS-style
	// "coaps" scheme flag. No cryptography is performed; this is
	// recognized syntactically only (spec §1 Non-goals).
	Secure bool
}

// Response is an ACK/RST/NON message carrying a response or empty
// code (spec §3, §4.2). NewResponseTo refuses Type == Confirmable,
// eliminating the "response built as CON" illegal state the teacher's
// single Message type permitted. Type remains an exported field; a
// Response whose Type a caller sets to Confirmable is enrolled for
// retransmission by Server.SendSeparateResponse.
type Response struct {
	Message
	Remote *net.UDPAddr
}

// NewRequest builds a Request with a freshly generated token if none
// is supplied. The token is derived from a process-wide xid (a
// globally unique, roughly time-ordered 12-byte id; see
// SPEC_FULL.md Domain Stack) truncated to the 8-byte token budget by
// keeping its last 8 bytes (machine id, process id and counter), so
// requests minted within the same second still get distinct tokens.
// An empty-code
// request (a ping) always gets a zero-length token instead, per
// spec §8 scenario 1: pings carry no token.
func NewRequest(t CType, code CCode, messageID uint16) (*Request, error) {
	if t != Confirmable && t != NonConfirmable {
		return nil, newErr(KindArgument, fmt.Errorf("request type must be CON or NON, got %v", t))
	}
	if !code.IsRequest() && !code.IsEmpty() {
		return nil, newErr(KindArgument, fmt.Errorf("code %v is not a request code", code))
	}

	var tok []byte
	if !code.IsEmpty() {
		id := xid.New()
		tok = append([]byte(nil), id.Bytes()[4:]...)
	}

	req := &Request{
		Message: Message{
			Type:      t,
			Code:      code,
			MessageID: messageID,
			Token:     tok,
		},
	}
	return req, nil
}

// NewPingRequest builds an empty, tokenless confirmable request used
// to probe a peer's liveness (spec §8 scenario 1).
func NewPingRequest(messageID uint16) (*Request, error) {
	return NewRequest(Confirmable, Empty, messageID)
}

// NewResponseTo builds a Response correlated to req: it copies the
// token always, and the message ID whenever the response Type will be
// ACK or RST (so it lines up with the CON being acknowledged). NON
// responses (separate responses, observe notifications) get a fresh
// message ID, assigned by the caller/endpoint afterward.
func NewResponseTo(req *Request, t CType, code CCode) (*Response, error) {
	if req == nil {
		return nil, newErr(KindArgument, fmt.Errorf("nil request"))
	}
	switch t {
	case Acknowledgement, Reset, NonConfirmable:
	default:
		return nil, newErr(KindArgument, fmt.Errorf("response type must be ACK, RST or NON, got %v", t))
	}
	resp := &Response{
		Message: Message{
			Type:  t,
			Code:  code,
			Token: append([]byte(nil), req.Token...),
		},
		Remote: req.Remote,
	}
	if t == Acknowledgement || t == Reset {
		resp.MessageID = req.MessageID
	}
	return resp, nil
}

// BindURL populates a request's URI_HOST, URI_PORT, URI_PATH and
// URI_QUERY options from a "coap[s]://host[:port]/path?query" URL
// (spec §4.2). The "coaps" scheme only sets Secure; no DTLS handshake
// is performed anywhere in this library (spec §1 Non-goals).
func (r *Request) BindURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return newErr(KindArgument, fmt.Errorf("parse url %q: %w", raw, err))
	}
	if u.Fragment != "" {
		return newErr(KindArgument, fmt.Errorf("url %q must not carry a fragment", raw))
	}
	switch u.Scheme {
	case "coap":
		r.Secure = false
	case "coaps":
		r.Secure = true
	default:
		return newErr(KindArgument, fmt.Errorf("url %q: unsupported scheme %q", raw, u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return newErr(KindArgument, fmt.Errorf("url %q: missing host", raw))
	}
	r.RemoveOption(URIHost)
	r.AddOption(URIHost, host)

	port := uint32(DefaultPort)
	if p := u.Port(); p != "" {
		pv, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return newErr(KindArgument, fmt.Errorf("url %q: bad port %q: %w", raw, p, err))
		}
		port = uint32(pv)
	}
	r.RemoveOption(URIPort)
	r.AddOption(URIPort, port)

	r.RemoveOption(URIPath)
	for _, seg := range strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/") {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return newErr(KindArgument, fmt.Errorf("url %q: bad path segment %q: %w", raw, seg, err))
		}
		r.AddOption(URIPath, decoded)
	}

	r.RemoveOption(URIQuery)
	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			if kv == "" {
				continue
			}
			decoded, err := url.QueryUnescape(kv)
			if err != nil {
				return newErr(KindArgument, fmt.Errorf("url %q: bad query segment %q: %w", raw, kv, err))
			}
			r.AddOption(URIQuery, decoded)
		}
	}
	return nil
}

// URL reconstructs the "coap[s]://host[:port]/path?query" URL implied
// by a request's options, defaulting host and port to the remote
// peer's address when the options are absent (spec §4.2).
func (r *Request) URL() string {
	scheme := "coap"
	if r.Secure {
		scheme = "coaps"
	}

	host, _ := r.Option(URIHost).(string)
	var port uint32
	if v, ok := r.Option(URIPort).(uint32); ok {
		port = v
	}

	if host == "" && r.Remote != nil {
		host = r.Remote.IP.String()
	}
	if port == 0 {
		if r.Remote != nil {
			port = uint32(r.Remote.Port)
		} else {
			port = DefaultPort
		}
	}

	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(int(port)))}
	if p := r.PathString(); p != "" {
		u.Path = "/" + p
	}

	if qs := r.optionStrings(URIQuery); len(qs) > 0 {
		u.RawQuery = strings.Join(qs, "&")
	}
	return u.String()
}

// BindLocation mirrors BindURL for responses: it sets LOCATION_PATH
// and LOCATION_QUERY from a relative URL, e.g. returned from a POST
// that created a new resource (spec §4.2).
func (resp *Response) BindLocation(relative string) error {
	u, err := url.Parse(relative)
	if err != nil {
		return newErr(KindArgument, fmt.Errorf("parse location %q: %w", relative, err))
	}
	resp.RemoveOption(LocationPath)
	for _, seg := range strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/") {
		if seg == "" {
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return newErr(KindArgument, fmt.Errorf("location %q: bad path segment %q: %w", relative, seg, err))
		}
		resp.AddOption(LocationPath, decoded)
	}
	resp.RemoveOption(LocationQuery)
	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			if kv == "" {
				continue
			}
			decoded, err := url.QueryUnescape(kv)
			if err != nil {
				return newErr(KindArgument, fmt.Errorf("location %q: bad query segment %q: %w", relative, kv, err))
			}
			resp.AddOption(LocationQuery, decoded)
		}
	}
	return nil
}

// Package coap implements the Constrained Application Protocol (RFC 7252)
// over UDP: wire codec, confirmable-message reliability, and a request/
// response endpoint for both client and server roles.
package coap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// CType represents the message type.
type CType uint8

const (
	// Confirmable messages require acknowledgement.
	Confirmable CType = 0
	// NonConfirmable messages do not require acknowledgement.
	NonConfirmable CType = 1
	// Acknowledgement is a message indicating a response to a confirmable message.
	Acknowledgement CType = 2
	// Reset indicates a permanent negative acknowledgement.
	Reset CType = 3
)

var typeNames = [256]string{
	Confirmable:     "Confirmable",
	NonConfirmable:  "NonConfirmable",
	Acknowledgement: "Acknowledgement",
	Reset:           "Reset",
}

func init() {
	for i := range typeNames {
		if typeNames[i] == "" {
			typeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (t CType) String() string {
	return typeNames[t]
}

// CCode is the type used for both request and response codes.
type CCode uint8

// Request codes.
const (
	GET    CCode = 1
	POST   CCode = 2
	PUT    CCode = 3
	DELETE CCode = 4
)

// Response codes.
const (
	Created               CCode = 65
	Deleted               CCode = 66
	Valid                 CCode = 67
	Changed               CCode = 68
	Content               CCode = 69
	BadRequest            CCode = 128
	Unauthorized          CCode = 129
	BadOption             CCode = 130
	Forbidden             CCode = 131
	NotFound              CCode = 132
	MethodNotAllowed      CCode = 133
	NotAcceptable         CCode = 134
	PreconditionFailed    CCode = 140
	RequestEntityTooLarge CCode = 141
	UnsupportedMediaType  CCode = 143
	InternalServerError   CCode = 160
	NotImplemented        CCode = 161
	BadGateway            CCode = 162
	ServiceUnavailable    CCode = 163
	GatewayTimeout        CCode = 164
	ProxyingNotSupported  CCode = 165
)

// Empty is the code used for pings and bare ACK/RST.
const Empty CCode = 0

var codeNames = [256]string{
	Empty:                 "Empty",
	GET:                   "GET",
	POST:                  "POST",
	PUT:                   "PUT",
	DELETE:                "DELETE",
	Created:               "Created",
	Deleted:               "Deleted",
	Valid:                 "Valid",
	Changed:               "Changed",
	Content:               "Content",
	BadRequest:            "BadRequest",
	Unauthorized:          "Unauthorized",
	BadOption:             "BadOption",
	Forbidden:             "Forbidden",
	NotFound:              "NotFound",
	MethodNotAllowed:      "MethodNotAllowed",
	NotAcceptable:         "NotAcceptable",
	PreconditionFailed:    "PreconditionFailed",
	RequestEntityTooLarge: "RequestEntityTooLarge",
	UnsupportedMediaType:  "UnsupportedMediaType",
	InternalServerError:   "InternalServerError",
	NotImplemented:        "NotImplemented",
	BadGateway:            "BadGateway",
	ServiceUnavailable:    "ServiceUnavailable",
	GatewayTimeout:        "GatewayTimeout",
	ProxyingNotSupported:  "ProxyingNotSupported",
}

func init() {
	for i := range codeNames {
		if codeNames[i] == "" {
			codeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (c CCode) String() string {
	return codeNames[c]
}

// class returns the 3-bit class of a code (0 request, 2/4/5 response).
func (c CCode) class() uint8 {
	return uint8(c) >> 5
}

// detail returns the 5-bit detail of a code.
func (c CCode) detail() uint8 {
	return uint8(c) & 0x1f
}

// IsRequest reports whether this code identifies a request (class 0, detail != 0).
func (c CCode) IsRequest() bool {
	return c.class() == 0 && c.detail() != 0
}

// IsResponse reports whether this code identifies a response (class 2, 4 or 5).
func (c CCode) IsResponse() bool {
	switch c.class() {
	case 2, 4, 5:
		return true
	default:
		return false
	}
}

// IsEmpty reports whether this is the empty code (0.00), used for pings
// and bare ACK/RST.
func (c CCode) IsEmpty() bool {
	return c == Empty
}

// validate reports whether c's class/detail is one this library
// recognizes at all: class 0 (empty or a request method), or class 2,
// 4, 5 (a response). Classes 1, 3, 6 and 7 are reserved by RFC 7252
// and never valid on the wire (spec §4.1).
func (c CCode) validate() error {
	switch c.class() {
	case 0:
		switch c.detail() {
		case 0, 1, 2, 3, 4:
			return nil
		default:
			return fmt.Errorf("%w: unrecognized request detail %d", ErrInvalidCode, c.detail())
		}
	case 2, 4, 5:
		return nil
	default:
		return fmt.Errorf("%w: unrecognized code class %d", ErrInvalidCode, c.class())
	}
}

// Message encoding/decoding errors, kept as sentinels so callers can
// match on them directly in addition to the *CoapError Kind.
var (
	ErrInvalidTokenLen   = errors.New("invalid token length")
	ErrOptionTooLong     = errors.New("option is too long")
	ErrOptionGapTooLarge = errors.New("option gap too large")
	ErrShortPacket       = errors.New("short packet")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrTruncated         = errors.New("truncated message")
	ErrBadOptionMarker   = errors.New("unexpected extended option marker")
	ErrEmptyPayloadMark  = errors.New("payload marker present without payload")
	ErrRepeatedOption    = errors.New("non-repeatable option appears twice")
	ErrOptionsOutOfOrder = errors.New("option numbers out of order")
	ErrCriticalOption    = errors.New("unrecognized critical option")
	ErrMessageTooLarge   = errors.New("message exceeds maximum datagram size")
	ErrInvalidCode       = errors.New("code class or detail not recognized")
)

// MaxMessageSize is the maximum size, in bytes, of a whole CoAP
// datagram produced or accepted by this library (spec §6).
const MaxMessageSize = 256

// DefaultPort is the default CoAP UDP port.
const DefaultPort = 5683

// OptionID identifies an option in a message.
type OptionID uint32

// Option IDs (RFC 7252 §5.10).
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// IsCritical reports whether an unrecognized option of this number must
// cause the whole message to be rejected (RFC 7252 §5.4.1: critical
// options have an odd option number).
func (o OptionID) IsCritical() bool {
	return uint32(o)%2 == 1
}

// valueFormat describes an option's on-wire value representation.
type valueFormat uint8

const (
	valueUnknown valueFormat = iota
	valueEmpty
	valueOpaque
	valueUint
	valueString
)

// repeatability describes how many times an option number may appear.
type repeatability uint8

const (
	nonRepeatable repeatability = iota
	repeatable
)

type optionDef struct {
	valueFormat valueFormat
	minLen      int
	maxLen      int
	repeat      repeatability
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {valueFormat: valueOpaque, minLen: 0, maxLen: 8, repeat: repeatable},
	URIHost:       {valueFormat: valueString, minLen: 1, maxLen: 255, repeat: nonRepeatable},
	ETag:          {valueFormat: valueOpaque, minLen: 1, maxLen: 8, repeat: repeatable},
	IfNoneMatch:   {valueFormat: valueEmpty, minLen: 0, maxLen: 0, repeat: nonRepeatable},
	Observe:       {valueFormat: valueUint, minLen: 0, maxLen: 3, repeat: nonRepeatable},
	URIPort:       {valueFormat: valueUint, minLen: 0, maxLen: 2, repeat: nonRepeatable},
	LocationPath:  {valueFormat: valueString, minLen: 0, maxLen: 255, repeat: repeatable},
	URIPath:       {valueFormat: valueString, minLen: 0, maxLen: 255, repeat: repeatable},
	ContentFormat: {valueFormat: valueUint, minLen: 0, maxLen: 2, repeat: nonRepeatable},
	MaxAge:        {valueFormat: valueUint, minLen: 0, maxLen: 4, repeat: nonRepeatable},
	URIQuery:      {valueFormat: valueString, minLen: 0, maxLen: 255, repeat: repeatable},
	Accept:        {valueFormat: valueUint, minLen: 0, maxLen: 2, repeat: nonRepeatable},
	LocationQuery: {valueFormat: valueString, minLen: 0, maxLen: 255, repeat: repeatable},
	ProxyURI:      {valueFormat: valueString, minLen: 1, maxLen: 1034, repeat: nonRepeatable},
	ProxyScheme:   {valueFormat: valueString, minLen: 1, maxLen: 255, repeat: nonRepeatable},
	Size1:         {valueFormat: valueUint, minLen: 0, maxLen: 4, repeat: nonRepeatable},
}

// MediaType specifies the content type of a message.
type MediaType uint16

// Content formats (RFC 7252 §12.3).
const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
)

type option struct {
	ID    OptionID
	Value interface{}
}

func encodeInt(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 256:
		return []byte{byte(v)}
	case v < 65536:
		rv := []byte{0, 0}
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v < 16777216:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

func decodeInt(b []byte) uint32 {
	tmp := []byte{0, 0, 0, 0}
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp)
}

func (o option) toBytes() []byte {
	var v uint32

	switch i := o.Value.(type) {
	case string:
		return []byte(i)
	case []byte:
		return i
	case MediaType:
		v = uint32(i)
	case int:
		v = uint32(i)
	case int32:
		v = uint32(i)
	case uint:
		v = uint32(i)
	case uint32:
		v = i
	default:
		panic(fmt.Errorf("invalid type for option %d: %T (%v)", o.ID, o.Value, o.Value))
	}

	return encodeInt(v)
}

func parseOptionValue(optionID OptionID, valueBuf []byte) (interface{}, error) {
	def, known := optionDefs[optionID]
	if !known {
		if optionID.IsCritical() {
			return nil, fmt.Errorf("%w: %d", ErrCriticalOption, optionID)
		}
		// Elective and unrecognized: preserve verbatim (RFC 7252 §5.4.1).
		return append([]byte(nil), valueBuf...), nil
	}
	if len(valueBuf) < def.minLen || len(valueBuf) > def.maxLen {
		if optionID.IsCritical() {
			return nil, fmt.Errorf("%w: option %d value length %d out of range [%d,%d]",
				ErrOptionTooLong, optionID, len(valueBuf), def.minLen, def.maxLen)
		}
		return nil, nil
	}
	switch def.valueFormat {
	case valueUint:
		intValue := decodeInt(valueBuf)
		if optionID == ContentFormat || optionID == Accept {
			return MediaType(intValue), nil
		}
		return intValue, nil
	case valueString:
		return string(valueBuf), nil
	case valueOpaque, valueEmpty:
		return append([]byte(nil), valueBuf...), nil
	}
	return nil, nil
}

type options []option

func (o options) Len() int { return len(o) }

func (o options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

func (o options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

func (o options) Minus(oid OptionID) options {
	rv := options{}
	for _, opt := range o {
		if opt.ID != oid {
			rv = append(rv, opt)
		}
	}
	return rv
}

// validateRepeat checks that no non-repeatable option number occurs
// more than once. Centralized here so encode (MarshalBinary) and decode
// (UnmarshalBinary) run through the same check, per spec §9's note that
// copy constructors must not bypass it. AddOption and SetOption do not
// call it; a repeated option they add is reported by MarshalBinary.
func (o options) validateRepeat() error {
	seen := make(map[OptionID]bool, len(o))
	for _, opt := range o {
		def, known := optionDefs[opt.ID]
		if known && def.repeat == nonRepeatable {
			if seen[opt.ID] {
				return fmt.Errorf("%w: option %d", ErrRepeatedOption, opt.ID)
			}
			seen[opt.ID] = true
		}
	}
	return nil
}

// Message is a CoAP message: the shared wire shape for both requests
// and responses (spec §3).
type Message struct {
	Type      CType
	Code      CCode
	MessageID uint16

	Token, Payload []byte

	opts options
}

// IsConfirmable returns true if this message is confirmable.
func (m Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// Options gets all the values for the given option.
func (m Message) Options(o OptionID) []interface{} {
	var rv []interface{}
	for _, v := range m.opts {
		if o == v.ID {
			rv = append(rv, v.Value)
		}
	}
	return rv
}

// Option gets the first value for the given option ID.
func (m Message) Option(o OptionID) interface{} {
	for _, v := range m.opts {
		if o == v.ID {
			return v.Value
		}
	}
	return nil
}

func (m Message) optionStrings(o OptionID) []string {
	var rv []string
	for _, v := range m.Options(o) {
		rv = append(rv, v.(string))
	}
	return rv
}

// Path gets the URI path segments set on this message, if any.
func (m Message) Path() []string {
	return m.optionStrings(URIPath)
}

// PathString gets the path as a "/"-separated string.
func (m Message) PathString() string {
	return strings.Join(m.Path(), "/")
}

// SetPathString sets the URI path from a "/"-separated string.
func (m *Message) SetPathString(s string) {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	m.SetPath(strings.Split(s, "/"))
}

// SetPath sets the URI path from individual segments.
func (m *Message) SetPath(s []string) {
	m.SetOption(URIPath, s)
}

// RemoveOption removes all occurrences of an option.
func (m *Message) RemoveOption(opID OptionID) {
	m.opts = m.opts.Minus(opID)
}

// AddOption adds an option value, expanding a string/[]string slice
// into one repeated option per element.
func (m *Message) AddOption(opID OptionID, val interface{}) {
	iv := reflect.ValueOf(val)
	if (iv.Kind() == reflect.Slice || iv.Kind() == reflect.Array) &&
		iv.Type().Elem().Kind() == reflect.String {
		for i := 0; i < iv.Len(); i++ {
			m.opts = append(m.opts, option{opID, iv.Index(i).Interface()})
		}
		return
	}
	m.opts = append(m.opts, option{opID, val})
}

// SetOption sets an option, discarding any previous value(s).
func (m *Message) SetOption(opID OptionID, val interface{}) {
	m.RemoveOption(opID)
	m.AddOption(opID, val)
}

// Observe returns the OBSERVE option's numeric value and whether it
// was present at all.
func (m Message) Observe() (uint32, bool) {
	v := m.Option(Observe)
	if v == nil {
		return 0, false
	}
	return v.(uint32), true
}

const (
	extoptByteCode   = 13
	extoptByteAddend = 13
	extoptWordCode   = 14
	extoptWordAddend = 269
	extoptError      = 15
)

// MarshalBinary produces the binary form of this Message. It returns
// ErrMessageTooLarge (an UnsupportedError) if the encoded datagram
// would exceed MaxMessageSize.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, newErr(KindArgument, ErrInvalidTokenLen)
	}
	if err := m.opts.validateRepeat(); err != nil {
		return nil, newErr(KindArgument, err)
	}

	tmpbuf := []byte{0, 0}
	binary.BigEndian.PutUint16(tmpbuf, m.MessageID)

	/*
	     0                   1                   2                   3
	    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |Ver| T |  TKL  |      Code     |          Message ID           |
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Token (if any, TKL bytes) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |   Options (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	   |1 1 1 1 1 1 1 1|    Payload (if any) ...
	   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/

	buf := bytes.Buffer{}
	buf.Write([]byte{
		(1 << 6) | (uint8(m.Type) << 4) | uint8(0xf&len(m.Token)),
		byte(m.Code),
		tmpbuf[0], tmpbuf[1],
	})
	buf.Write(m.Token)

	extendOpt := func(opt int) (int, int) {
		ext := 0
		if opt >= extoptByteAddend {
			if opt >= extoptWordAddend {
				ext = opt - extoptWordAddend
				opt = extoptWordCode
			} else {
				ext = opt - extoptByteAddend
				opt = extoptByteCode
			}
		}
		return opt, ext
	}

	writeOptHeader := func(delta, length int) {
		d, dx := extendOpt(delta)
		l, lx := extendOpt(length)

		buf.WriteByte(byte(d<<4) | byte(l))

		tmp := []byte{0, 0}
		writeExt := func(opt, ext int) {
			switch opt {
			case extoptByteCode:
				buf.WriteByte(byte(ext))
			case extoptWordCode:
				binary.BigEndian.PutUint16(tmp, uint16(ext))
				buf.Write(tmp)
			}
		}

		writeExt(d, dx)
		writeExt(l, lx)
	}

	sorted := append(options(nil), m.opts...)
	sort.Stable(sorted)

	prev := 0
	for _, o := range sorted {
		if o.ID < OptionID(prev) {
			return nil, newErr(KindArgument, ErrOptionsOutOfOrder)
		}
		b := o.toBytes()
		writeOptHeader(int(o.ID)-prev, len(b))
		buf.Write(b)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.Write([]byte{0xff})
	}
	buf.Write(m.Payload)

	if buf.Len() > MaxMessageSize {
		return nil, newErr(KindUnsupported, fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, buf.Len(), MaxMessageSize))
	}

	return buf.Bytes(), nil
}

// ParseMessage extracts a Message from the given datagram. Decode
// failures are reported as a *CoapError of KindFormat (spec §7).
func ParseMessage(data []byte) (Message, error) {
	rv := Message{}
	if err := rv.UnmarshalBinary(data); err != nil {
		return Message{}, newErr(KindFormat, err)
	}
	return rv, nil
}

// UnmarshalBinary parses the given binary slice as a Message.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrShortPacket
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	if data[0]>>6 != 1 {
		return ErrInvalidVersion
	}

	m.Type = CType((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > 8 {
		return ErrInvalidTokenLen
	}

	m.Code = CCode(data[1])
	if err := m.Code.validate(); err != nil {
		return err
	}
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tokenLen {
		return ErrTruncated
	}
	if tokenLen > 0 {
		m.Token = make([]byte, tokenLen)
		copy(m.Token, data[4:4+tokenLen])
	} else {
		m.Token = nil
	}
	b := data[4+tokenLen:]
	prev := 0

	parseExtOpt := func(opt int) (int, error) {
		switch opt {
		case extoptByteCode:
			if len(b) < 1 {
				return -1, ErrTruncated
			}
			opt = int(b[0]) + extoptByteAddend
			b = b[1:]
		case extoptWordCode:
			if len(b) < 2 {
				return -1, ErrTruncated
			}
			opt = int(binary.BigEndian.Uint16(b[:2])) + extoptWordAddend
			b = b[2:]
		}
		return opt, nil
	}

	var opts options
	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return ErrEmptyPayloadMark
			}
			break
		}

		delta := int(b[0] >> 4)
		length := int(b[0] & 0x0f)

		if delta == extoptError || length == extoptError {
			return ErrBadOptionMarker
		}

		b = b[1:]

		delta, err := parseExtOpt(delta)
		if err != nil {
			return err
		}
		length, err = parseExtOpt(length)
		if err != nil {
			return err
		}

		if length < 0 || len(b) < length {
			return ErrTruncated
		}

		oid := OptionID(prev + delta)
		if int(oid) < prev {
			return ErrOptionsOutOfOrder
		}

		opval, err := parseOptionValue(oid, b[:length])
		if err != nil {
			return err
		}
		b = b[length:]
		prev = int(oid)

		if opval != nil {
			opts = append(opts, option{ID: oid, Value: opval})
		}
	}

	if err := opts.validateRepeat(); err != nil {
		return err
	}
	m.opts = opts
	m.Payload = b
	return nil
}

// PeekMessageType reads the message type directly out of a raw
// datagram (byte 0, bits 5-4) without a full decode, for dispatch
// classification ahead of ParseMessage.
func PeekMessageType(data []byte) (CType, error) {
	if len(data) < 1 {
		return 0, ErrShortPacket
	}
	return CType((data[0] >> 4) & 0x3), nil
}

// PeekMessageID reads the message ID directly out of a raw datagram
// (bytes 2-3, big-endian) without a full decode.
func PeekMessageID(data []byte) (uint16, error) {
	if len(data) < 4 {
		return 0, ErrShortPacket
	}
	return binary.BigEndian.Uint16(data[2:4]), nil
}

// IsRequestCode reports whether the raw datagram's code byte
// identifies a request (class 0, detail != 0), without a full decode.
func IsRequestCode(data []byte) (bool, error) {
	if len(data) < 2 {
		return false, ErrShortPacket
	}
	return CCode(data[1]).IsRequest(), nil
}

package coap

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"empty ping", Message{Type: Confirmable, Code: Empty, MessageID: 1}},
		{"no token", Message{Type: Confirmable, Code: GET, MessageID: 0x1234}},
		{"max token", Message{Type: Confirmable, Code: GET, MessageID: 7, Token: bytes.Repeat([]byte{0xAB}, 8)}},
		{"with payload", Message{Type: NonConfirmable, Code: Content, MessageID: 9, Payload: []byte("hello")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.msg.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Message
			if err := got.UnmarshalBinary(data); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != tc.msg.Type || got.Code != tc.msg.Code || got.MessageID != tc.msg.MessageID {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.msg)
			}
			if !bytes.Equal(got.Token, tc.msg.Token) {
				t.Fatalf("token mismatch: got %x, want %x", got.Token, tc.msg.Token)
			}
			if !bytes.Equal(got.Payload, tc.msg.Payload) {
				t.Fatalf("payload mismatch: got %q, want %q", got.Payload, tc.msg.Payload)
			}
		})
	}
}

func TestTokenLengthNineRejected(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, Token: bytes.Repeat([]byte{1}, 9)}
	if _, err := m.MarshalBinary(); err == nil {
		t.Fatal("expected error for 9-byte token")
	}

	data := []byte{(1 << 6) | 9, byte(GET), 0, 1}
	var got Message
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrInvalidTokenLen) {
		t.Fatalf("expected ErrInvalidTokenLen, got %v", err)
	}
}

func TestOptionDeltaExtensionBoundaries(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1}
	// URIPath (11) then a byte-extended delta (ProxyURI=35, delta 24)
	// then a word-extended delta (an elective option at 304, delta
	// exactly extoptWordAddend=269) to exercise both extension paths.
	m.AddOption(URIPath, "a")
	m.AddOption(ProxyURI, "coap://example.com/")
	m.opts = append(m.opts, option{ID: 304, Value: []byte{0x07}})

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Option(ProxyURI) != "coap://example.com/" {
		t.Fatalf("proxy uri mismatch: %v", got.Option(ProxyURI))
	}
	if v, ok := got.Option(304).([]byte); !ok || len(v) != 1 || v[0] != 0x07 {
		t.Fatalf("word-extended option mismatch: %v", got.Option(304))
	}
}

func TestPayloadMarkerWithNoPayloadRejected(t *testing.T) {
	data := []byte{1 << 6, byte(GET), 0, 1, 0xff}
	var got Message
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrEmptyPayloadMark) {
		t.Fatalf("expected ErrEmptyPayloadMark, got %v", err)
	}
}

func TestUnknownCriticalOptionRejected(t *testing.T) {
	// Option number 21 is unassigned and odd (critical).
	m := Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.opts = options{{ID: 21, Value: []byte{0x01}}}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrCriticalOption) {
		t.Fatalf("expected ErrCriticalOption, got %v", err)
	}
}

func TestUnknownElectiveOptionPreserved(t *testing.T) {
	// Option number 22 is unassigned and even (elective).
	m := Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.opts = options{{ID: 22, Value: []byte{0x01, 0x02}}}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := got.Option(22).([]byte)
	if !ok || !bytes.Equal(v, []byte{0x01, 0x02}) {
		t.Fatalf("expected preserved elective option value, got %v", got.Option(22))
	}
}

func TestRepeatedNonRepeatableOptionRejected(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.opts = options{{ID: URIHost, Value: "a"}, {ID: URIHost, Value: "b"}}
	if _, err := m.MarshalBinary(); !errors.Is(err, ErrRepeatedOption) {
		t.Fatalf("expected ErrRepeatedOption on marshal, got %v", err)
	}
}

func TestPeekHelpersMatchFullDecode(t *testing.T) {
	m := Message{Type: Acknowledgement, Code: Content, MessageID: 0xBEEF}
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	typ, err := PeekMessageType(data)
	if err != nil || typ != Acknowledgement {
		t.Fatalf("PeekMessageType = %v, %v", typ, err)
	}
	mid, err := PeekMessageID(data)
	if err != nil || mid != 0xBEEF {
		t.Fatalf("PeekMessageID = %v, %v", mid, err)
	}
	isReq, err := IsRequestCode(data)
	if err != nil || isReq {
		t.Fatalf("IsRequestCode = %v, %v", isReq, err)
	}
}

func TestMessageTooLargeRejected(t *testing.T) {
	m := Message{Type: Confirmable, Code: GET, MessageID: 1, Payload: bytes.Repeat([]byte{'x'}, MaxMessageSize)}
	_, err := m.MarshalBinary()
	var ce *CoapError
	if !errors.As(err, &ce) || ce.Kind != KindUnsupported {
		t.Fatalf("expected KindUnsupported, got %v", err)
	}
}

func TestCodeClassification(t *testing.T) {
	if !GET.IsRequest() || GET.IsResponse() || GET.IsEmpty() {
		t.Fatalf("GET classified wrong: request=%v response=%v empty=%v", GET.IsRequest(), GET.IsResponse(), GET.IsEmpty())
	}
	if !Content.IsResponse() || Content.IsRequest() {
		t.Fatalf("Content classified wrong")
	}
	if !Empty.IsEmpty() || Empty.IsRequest() || Empty.IsResponse() {
		t.Fatalf("Empty classified wrong")
	}
}

func TestReservedCodeClassRejected(t *testing.T) {
	// Class 1 (0b001_00000 = 0x20) is reserved by RFC 7252 and must
	// never decode successfully.
	data := []byte{1 << 6, 0x20, 0, 1}
	var got Message
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for reserved class, got %v", err)
	}
}

func TestUnrecognizedRequestDetailRejected(t *testing.T) {
	// Class 0, detail 5 is not one of GET/POST/PUT/DELETE.
	data := []byte{1 << 6, 5, 0, 1}
	var got Message
	if err := got.UnmarshalBinary(data); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for unrecognized request detail, got %v", err)
	}
}

func TestOptionIDCriticality(t *testing.T) {
	if !URIPath.IsCritical() {
		t.Fatalf("URIPath (11) should be critical")
	}
	if ContentFormat.IsCritical() {
		t.Fatalf("ContentFormat (12) should be elective")
	}
}

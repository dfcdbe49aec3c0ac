package coap

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler ServerHandler, opts ...Option) *Server {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", handler, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func serverHostPort(t *testing.T, srv *Server) (string, int) {
	t.Helper()
	addr, ok := srv.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local addr type %T", srv.LocalAddr())
	}
	return addr.IP.String(), addr.Port
}

func TestPingGetsEmptyReset(t *testing.T) {
	srv := startTestServer(t, ServerHandlerFunc(func(req *Request) *Response { return nil }))
	host, port := serverHostPort(t, srv)

	client, err := NewSyncClient(host, port)
	if err != nil {
		t.Fatalf("NewSyncClient: %v", err)
	}
	defer client.Shutdown()

	ping, err := NewPingRequest(0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := client.Send(ping); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, timedOut, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if timedOut {
		t.Fatal("expected a reset reply, got a timeout")
	}
	if msg.Type != Reset || !msg.Code.IsEmpty() {
		t.Fatalf("expected empty RST, got type=%v code=%v", msg.Type, msg.Code)
	}
}

func TestMalformedConfirmableGetsBadRequestReset(t *testing.T) {
	srv := startTestServer(t, ServerHandlerFunc(func(req *Request) *Response { return nil }))
	host, port := serverHostPort(t, srv)

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// CON, token length 0, code 0xFF (class 7, reserved), message ID 42.
	bad := []byte{1 << 6, 0xFF, 0x00, 0x2A}
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var rst Message
	if err := rst.UnmarshalBinary(buf[:n]); err != nil {
		t.Fatalf("unmarshal reset: %v", err)
	}
	if rst.Type != Reset {
		t.Fatalf("expected Reset, got type %v", rst.Type)
	}
	if rst.Code != BadRequest {
		t.Fatalf("expected BadRequest code, got %v", rst.Code)
	}
	if rst.MessageID != 42 {
		t.Fatalf("expected recovered message id 42, got %d", rst.MessageID)
	}
}

func TestMalformedNonConfirmableIsDroppedSilently(t *testing.T) {
	srv := startTestServer(t, ServerHandlerFunc(func(req *Request) *Response { return nil }))
	host, port := serverHostPort(t, srv)

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// NON, token length 0, code 0xFF (reserved), message ID 7.
	bad := []byte{(1 << 6) | (1 << 4), 0xFF, 0x00, 0x07}
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, MaxMessageSize)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected no reply to a malformed NON datagram")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected a read timeout, got %v", err)
	}
}

func TestClientServerGetRoundTrip(t *testing.T) {
	srv := startTestServer(t, ServerHandlerFunc(func(req *Request) *Response {
		resp, err := NewResponseTo(req, Acknowledgement, Content)
		if err != nil {
			return nil
		}
		resp.Payload = []byte("ok")
		return resp
	}))
	host, port := serverHostPort(t, srv)

	respCh := make(chan *Response, 1)
	client, err := NewClient(host, port, ClientCallbacks{
		OnResponse: func(resp *Response) { respCh <- resp },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Shutdown()

	req, err := NewRequest(Confirmable, GET, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetPathString("time")
	if _, err := client.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-respCh:
		if string(resp.Payload) != "ok" {
			t.Fatalf("payload = %q, want %q", resp.Payload, "ok")
		}
		if string(resp.Token) != string(req.Token) {
			t.Fatalf("token mismatch: got %x, want %x", resp.Token, req.Token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRetransmitThenUndelivered(t *testing.T) {
	// Bind a socket and immediately close it, so nothing answers
	// the client and every attempt fires the retransmission timer.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	host, port := probe.LocalAddr().(*net.UDPAddr).IP.String(), probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	errCh := make(chan error, 1)
	client, err := NewClient(host, port, ClientCallbacks{
		OnError: func(err error, _ *Message) { errCh <- err },
	}, WithAckTimeout(0.05), WithAckRandomFactor(1.0), WithMaxRetransmissions(1), WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Shutdown()

	req, err := NewRequest(Confirmable, GET, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetPathString("time")

	// A send to a closed UDP port will often fail synchronously with
	// ECONNREFUSED on the next read/write on some platforms and
	// asynchronously on others; either path must end in Undelivered
	// or an IO error surfaced through OnError.
	if _, err := client.Send(req); err != nil {
		kind, ok := KindOf(err)
		if !ok || kind != KindIO {
			t.Fatalf("unexpected synchronous send error: %v", err)
		}
		return
	}

	select {
	case err := <-errCh:
		kind, ok := KindOf(err)
		if !ok || (kind != KindUndelivered && kind != KindIO) {
			t.Fatalf("expected Undelivered or IO error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for undelivered/error callback")
	}
}

func TestObserveNotification(t *testing.T) {
	srv := startTestServer(t, ServerHandlerFunc(func(req *Request) *Response {
		resp, err := NewResponseTo(req, Acknowledgement, Content)
		if err != nil {
			return nil
		}
		resp.Payload = []byte("20")
		return resp
	}))
	host, port := serverHostPort(t, srv)

	notifyCh := make(chan *Response, 4)
	client, err := NewClient(host, port, ClientCallbacks{
		OnResponse: func(resp *Response) { notifyCh <- resp },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Shutdown()

	req, err := NewRequest(Confirmable, GET, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.SetPathString("temp")
	req.SetOption(Observe, uint32(0))
	if _, err := client.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-notifyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial response")
	}

	if got := srv.ObserverCount("temp"); got != 1 {
		t.Fatalf("ObserverCount = %d, want 1", got)
	}

	srv.Notify("temp", []byte("21"), TextPlain, 1)

	select {
	case resp := <-notifyCh:
		if string(resp.Payload) != "21" {
			t.Fatalf("notification payload = %q, want %q", resp.Payload, "21")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

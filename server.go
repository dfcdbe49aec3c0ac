package coap

import (
	"net"
	"sync"
	"time"
)

// ServerHandler answers a request synchronously. Returning nil defers
// the answer: the server sends an empty ACK immediately to stop the
// client's retransmissions (for a CON request) and enqueues req on the
// separate-response queue for the caller to answer later via
// NextPendingSeparate/SendSeparateResponse (spec §4.5). Kept as an
// interface, mirroring the teacher's Handler/funcHandler split.
type ServerHandler interface {
	ServeCOAP(req *Request) *Response
}

type serverFuncHandler func(req *Request) *Response

func (f serverFuncHandler) ServeCOAP(req *Request) *Response { return f(req) }

// ServerHandlerFunc builds a ServerHandler from a plain function.
func ServerHandlerFunc(f func(req *Request) *Response) ServerHandler {
	return serverFuncHandler(f)
}

// Server is a CoAP endpoint bound to a UDP listener, serving
// requests from any number of peers (spec §4.1, §4.4, §4.5).
type Server struct {
	conn    *net.UDPConn
	cfg     endpointConfig
	handler ServerHandler

	pending   *pendingQueue
	observers *observerRegistry
	separate  *separateQueue

	counters counters

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer binds addr and returns a Server ready for Serve.
func NewServer(addr string, handler ServerHandler, opts ...Option) (*Server, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newErr(KindIO, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, newErr(KindIO, err)
	}

	cfg := newEndpointConfig(5*time.Second, opts...)
	s := &Server{
		conn:      conn,
		cfg:       cfg,
		handler:   handler,
		observers: newObserverRegistry(),
		separate:  newSeparateQueue(),
		stopCh:    make(chan struct{}),
	}
	s.pending = newPendingQueue(cfg.pollInterval, s.handleTimeout)
	return s, nil
}

// ListenAndServe binds addr and serves forever, for callers that don't
// need the Server value (mirrors the teacher's package-level
// convenience function of the same name).
func ListenAndServe(addr string, handler ServerHandler, opts ...Option) error {
	s, err := NewServer(addr, handler, opts...)
	if err != nil {
		return err
	}
	return s.Serve()
}

// LocalAddr reports the server's bound socket address.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Serve accepts datagrams until Shutdown is called, dispatching each
// onto its own goroutine exactly as the teacher's Serve did.
func (s *Server) Serve() error {
	buf := make([]byte, MaxMessageSize)
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.pollInterval)); err != nil {
			return newErr(KindIO, err)
		}
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return nil
			default:
				s.cfg.logger.Error("[coap] read error: %v", err)
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleDatagram(data, remote)
		}()
	}
}

func (s *Server) handleDatagram(data []byte, remote *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.logger.Error("[coap] handleDatagram panic: %v", r)
		}
	}()

	if len(data) < 4 {
		return
	}

	t, _ := PeekMessageType(data)
	if t == Acknowledgement || t == Reset {
		mid, err := PeekMessageID(data)
		if err == nil {
			s.pending.cancel(mid)
		}
		if t == Reset {
			s.deregisterByToken(data)
		}
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		if t == Confirmable {
			mid, _ := PeekMessageID(data)
			s.replyReset(remote, BadRequest, mid, nil)
		}
		s.cfg.logger.Warn("[coap] dropping malformed datagram from %v: %v", remote, err)
		return
	}
	s.counters.incReceived()

	if msg.Code.IsEmpty() {
		if msg.Type == Confirmable {
			s.replyReset(remote, Empty, msg.MessageID, nil)
		}
		return
	}

	req := &Request{Message: msg, Remote: remote}
	s.applyObserveOption(req)

	var resp *Response
	recoverCallback(s.cfg.logger, "ServeCOAP", func() {
		resp = s.handler.ServeCOAP(req)
	})

	if resp == nil {
		if req.Type == Confirmable {
			ack, err := NewResponseTo(req, Acknowledgement, Empty)
			if err == nil {
				s.transmit(remote, &ack.Message)
			}
		}
		s.separate.Add(*req)
		return
	}

	if req.Type == Confirmable && resp.MessageID == 0 && resp.Type == Acknowledgement {
		resp.MessageID = req.MessageID
	}
	s.transmit(remote, &resp.Message)
}

// applyObserveOption registers or unregisters req's token against its
// resource path, per the OBSERVE option value (spec §4.4): value 0
// (or option present with a zero-length value) registers, any other
// value deregisters. The registry is keyed on the path alone, not
// req.URL(): a server-side URL would fall back to the requesting
// client's own remote address whenever host/port options are absent,
// which would scatter one resource's subscribers across as many keys
// as there are distinct clients.
func (s *Server) applyObserveOption(req *Request) {
	v, present := req.Observe()
	if !present {
		return
	}
	path := req.PathString()
	if v == 0 {
		s.observers.Register(path, *req)
	} else {
		s.observers.Unregister(path, req.Token)
	}
}

func (s *Server) deregisterByToken(data []byte) {
	// A plain RST carries no application payload to resolve a token
	// from reliably in every deployment; best-effort decode only.
	msg, err := ParseMessage(data)
	if err != nil {
		return
	}
	resp := &Response{Message: msg}
	s.observers.UnregisterByResponse(resp)
}

func (s *Server) replyReset(remote *net.UDPAddr, code CCode, messageID uint16, token []byte) {
	rst := Message{Type: Reset, Code: code, MessageID: messageID, Token: token}
	s.transmit(remote, &rst)
}

func (s *Server) transmit(remote *net.UDPAddr, m *Message) {
	data, err := m.MarshalBinary()
	if err != nil {
		s.cfg.logger.Error("[coap] marshal outgoing message: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		s.cfg.logger.Error("[coap] write to %v: %v", remote, err)
		return
	}
	s.counters.incSent()
}

// AddPendingSeparate enqueues req as awaiting a deferred answer.
// handleDatagram already enqueues every request whose handler returned
// nil, so a handler that both calls this and returns nil leaves the
// request queued twice.
func (s *Server) AddPendingSeparate(req Request) {
	s.separate.Add(req)
}

// NextPendingSeparate dequeues the oldest request awaiting a separate
// response, if any.
func (s *Server) NextPendingSeparate() (Request, bool) {
	return s.separate.Next()
}

// SendSeparateResponse transmits resp as the deferred answer to a
// request previously dequeued from NextPendingSeparate. A
// Confirmable resp is enrolled in the pending-ACK queue like any other
// outgoing CON (spec §4.5).
func (s *Server) SendSeparateResponse(resp *Response) (int, error) {
	return s.sendResponse(resp)
}

// Notify pushes payload to every current observer of url as a
// NonConfirmable response carrying the OBSERVE option (spec §4.4).
// A send failure deregisters that observer, per spec §3's observer
// lifecycle.
func (s *Server) Notify(url string, payload []byte, contentFormat MediaType, observeValue uint32) {
	for _, sub := range s.observers.List(url) {
		resp, err := NewResponseTo(&sub, NonConfirmable, Content)
		if err != nil {
			continue
		}
		resp.SetOption(Observe, observeValue)
		resp.SetOption(ContentFormat, contentFormat)
		resp.Payload = payload

		id, err := s.pending.allocateID()
		if err != nil {
			s.cfg.logger.Error("[coap] notify %s: %v", url, err)
			continue
		}
		resp.MessageID = id

		if _, err := s.sendResponse(resp); err != nil {
			s.observers.Unregister(url, sub.Token)
		}
	}
}

func (s *Server) sendResponse(resp *Response) (int, error) {
	data, err := resp.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := s.conn.WriteToUDP(data, resp.Remote)
	if err != nil {
		return n, newErrMsg(KindIO, err, &resp.Message)
	}
	s.counters.incSent()

	if resp.Type == Confirmable {
		req := Request{Message: resp.Message, Remote: resp.Remote}
		timeout := perAttemptTimeout(s.cfg.ackTimeout, 0, s.cfg.ackRandomFactor)
		s.pending.enroll(req, timeout)
	}
	return n, nil
}

// handleTimeout retransmits a server-originated confirmable message
// (a separate response sent as CON) on the same schedule a client
// uses, reusing perAttemptTimeout/pendingQueue (spec §4.3).
func (s *Server) handleTimeout(ev TimeoutEvent) {
	if ev.RetransmissionCount >= s.cfg.maxRetransmit {
		s.counters.incUndelivered()
		req := ev.Request
		s.cfg.logger.Error("[coap] undelivered to %v: %v", req.Remote, ErrUndelivered)
		return
	}

	next := ev.RetransmissionCount + 1
	timeout := perAttemptTimeout(s.cfg.ackTimeout, next, s.cfg.ackRandomFactor)

	req := ev.Request
	data, err := req.MarshalBinary()
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(data, req.Remote); err != nil {
		return
	}
	s.counters.incRetransmitted()
	s.pending.reenroll(req, next, timeout)
}

// Shutdown stops Serve, the pending-ACK poller, and clears the
// observer registry, then closes the socket. Safe to call more than
// once.
func (s *Server) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		err = s.conn.Close()
		s.wg.Wait()
		s.pending.shutdown()
		s.observers.shutdown()
	})
	return err
}

// Stats reports cumulative send/receive/retransmit/undelivered counts,
// consumed by the metrics sub-package's prometheus.Collector.
func (s *Server) Stats() (sent, received, retransmitted, undelivered uint64) {
	return s.counters.snapshot()
}

// ObserverCount reports how many subscribers url currently has.
func (s *Server) ObserverCount(url string) int {
	return len(s.observers.List(url))
}

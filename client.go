package coap

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientCallbacks are the application hooks a Client dispatches onto
// (spec §6): on_request is unused by a pure client but kept so the
// same dispatch path serves a peer that both requests and is asked
// things of; on_response delivers a correlated reply or notification;
// on_error surfaces undelivered/format/io failures. All three run
// inside the panic-recovery boundary described in endpoint.go.
type ClientCallbacks struct {
	OnRequest  func(req *Request) *Response
	OnResponse func(resp *Response)
	OnError    func(err error, msg *Message)
}

// Client is a CoAP endpoint bound to a single remote peer over a
// connected UDP socket (spec §4.1, §6). Constructed in either async
// mode (a callback set drives a background receive loop) or sync mode
// (the caller polls Receive), mirroring the teacher's
// ListenAndServe-vs-manual-Receive split in server.go.
type Client struct {
	conn *net.UDPConn
	cfg  endpointConfig

	pending *pendingQueue
	cb      *ClientCallbacks

	counters counters

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient dials host:port and starts a background receive loop that
// dispatches onto cb. Use NewSyncClient for manual, blocking receives.
func NewClient(host string, port int, cb ClientCallbacks, opts ...Option) (*Client, error) {
	c, err := dialClient(host, port, opts...)
	if err != nil {
		return nil, err
	}
	c.cb = &cb
	c.wg.Add(1)
	go c.recvLoop()
	return c, nil
}

// NewSyncClient dials host:port without starting a receive loop. The
// caller drives reception by calling Receive.
func NewSyncClient(host string, port int, opts ...Option) (*Client, error) {
	return dialClient(host, port, opts...)
}

func dialClient(host string, port int, opts ...Option) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, newErr(KindIO, fmt.Errorf("resolve %s:%d: %w", host, port, err))
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, newErr(KindIO, fmt.Errorf("dial %s:%d: %w", host, port, err))
	}

	cfg := newEndpointConfig(time.Second, opts...)
	c := &Client{
		conn:   conn,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	c.pending = newPendingQueue(cfg.pollInterval, c.handleTimeout)
	return c, nil
}

// LocalAddr reports the client's local socket address.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Send transmits req. Confirmable requests are enrolled in the
// pending-ACK queue and retransmitted on the schedule computed from
// the client's ack_timeout/ack_random_factor (spec §4.3); the message
// ID is assigned here, overwriting whatever the caller set, so the
// allocator and the enrollment stay atomic (spec §9).
func (c *Client) Send(req *Request) (int, error) {
	switch req.Type {
	case Confirmable:
		timeout := perAttemptTimeout(c.cfg.ackTimeout, 0, c.cfg.ackRandomFactor)
		enrolled, err := c.pending.enrollWithID(func(id uint16) Request {
			r := *req
			r.MessageID = id
			return r
		}, timeout)
		if err != nil {
			return 0, newErr(KindUnsupported, err)
		}
		*req = enrolled
	case NonConfirmable:
		id, err := c.pending.allocateID()
		if err != nil {
			return 0, newErr(KindUnsupported, err)
		}
		req.MessageID = id
	default:
		return 0, newErr(KindArgument, fmt.Errorf("client may only send CON or NON requests, got %v", req.Type))
	}

	data, err := req.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := c.conn.Write(data)
	if err != nil {
		if req.Type == Confirmable {
			c.pending.cancel(req.MessageID)
		}
		ioErr := newErrMsg(KindIO, fmt.Errorf("write: %w", err), &req.Message)
		c.dispatchError(ioErr, &req.Message)
		return n, ioErr
	}
	c.counters.incSent()
	return n, nil
}

// Receive blocks for up to timeout for one datagram and decodes it.
// It is for sync-mode clients only; it returns (Message{}, true, nil)
// on a plain deadline expiry, without treating the timeout as an error
// (spec §6).
func (c *Client) Receive(timeout time.Duration) (Message, bool, error) {
	buf := make([]byte, MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, false, newErr(KindIO, err)
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Message{}, true, nil
		}
		return Message{}, false, newErr(KindIO, err)
	}
	c.handleAckOrReset(buf[:n])
	msg, err := ParseMessage(buf[:n])
	if err != nil {
		return Message{}, false, err
	}
	c.counters.incReceived()
	return msg, false, nil
}

// handleAckOrReset cancels a pending entry ahead of the full decode,
// so cancellation happens-before any response-received callback even
// if the payload itself fails to parse (spec §5).
func (c *Client) handleAckOrReset(data []byte) {
	t, err := PeekMessageType(data)
	if err != nil {
		return
	}
	if t != Acknowledgement && t != Reset {
		return
	}
	mid, err := PeekMessageID(data)
	if err != nil {
		return
	}
	c.pending.cancel(mid)
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, MaxMessageSize)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.pollInterval)); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-c.stopCh:
				return
			default:
				c.dispatchError(newErr(KindIO, err), nil)
				continue
			}
		}
		c.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (c *Client) handleDatagram(data []byte) {
	c.handleAckOrReset(data)

	msg, err := ParseMessage(data)
	if err != nil {
		c.dispatchError(err, nil)
		return
	}
	c.counters.incReceived()

	if msg.Code.IsEmpty() {
		return
	}
	if isReq, _ := IsRequestCode(data); isReq {
		req := &Request{Message: msg}
		if c.cb != nil && c.cb.OnRequest != nil {
			recoverCallback(c.cfg.logger, "OnRequest", func() {
				c.cb.OnRequest(req)
			})
		}
		return
	}

	resp := &Response{Message: msg}
	if c.cb != nil && c.cb.OnResponse != nil {
		recoverCallback(c.cfg.logger, "OnResponse", func() {
			c.cb.OnResponse(resp)
		})
	}
}

func (c *Client) dispatchError(err error, msg *Message) {
	c.cfg.logger.Error("[coap] client error: %v", err)
	if c.cb != nil && c.cb.OnError != nil {
		recoverCallback(c.cfg.logger, "OnError", func() {
			c.cb.OnError(err, msg)
		})
	}
}

// handleTimeout drives the retransmission state machine: it is
// installed as the pending queue's onTimeout callback (spec §4.3).
func (c *Client) handleTimeout(ev TimeoutEvent) {
	if ev.RetransmissionCount >= c.cfg.maxRetransmit {
		c.counters.incUndelivered()
		req := ev.Request
		c.dispatchError(newErrMsg(KindUndelivered, ErrUndelivered, &req.Message), &req.Message)
		return
	}

	next := ev.RetransmissionCount + 1
	timeout := perAttemptTimeout(c.cfg.ackTimeout, next, c.cfg.ackRandomFactor)

	req := ev.Request
	data, err := req.MarshalBinary()
	if err != nil {
		c.dispatchError(err, &req.Message)
		return
	}
	if _, err := c.conn.Write(data); err != nil {
		c.dispatchError(newErrMsg(KindIO, fmt.Errorf("retransmit: %w", err), &req.Message), &req.Message)
		return
	}
	c.counters.incRetransmitted()
	c.pending.reenroll(req, next, timeout)
}

// Shutdown stops the receive loop and the pending-ACK poller, and
// closes the socket. Safe to call more than once.
func (c *Client) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		err = c.conn.Close()
		c.wg.Wait()
		c.pending.shutdown()
	})
	return err
}

// Stats reports cumulative send/receive/retransmit/undelivered counts,
// consumed by the metrics sub-package's prometheus.Collector.
func (c *Client) Stats() (sent, received, retransmitted, undelivered uint64) {
	return c.counters.snapshot()
}

package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnknownMsgType is returned when a frame carries a tag that has no
	// entry in the transport's type registry.
	ErrUnknownMsgType = errors.New("unknown message type")
)

// MsgWithSig couples a decoded message with the sender's signature over its
// encoded form. The receiver verifies the signature before processing.
type MsgWithSig struct {
	Msg interface{}
	Sig []byte
}

// NetConn is a pooled outbound connection with its msgpack encoder.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the underlying connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}

// NetworkTransport provides a msgpack-over-TCP transport between the nodes.
// Outbound connections are pooled per target; inbound frames are decoded via
// the reflect registry and delivered on a bounded channel.
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex

	listener net.Listener
	logger   hclog.Logger
	maxPool  int
	timeout  time.Duration

	msgCh chan MsgWithSig

	reflectedTypesMap map[uint8]reflect.Type

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex
}

// NewTCPTransport binds the given address and starts accepting connections.
func NewTCPTransport(bindAddr string, timeout time.Duration, maxPool, msgChanCap int,
	reflectedTypesMap map[uint8]reflect.Type, logger hclog.Logger) (*NetworkTransport, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "conn",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		listener:          listener,
		logger:            logger,
		maxPool:           maxPool,
		timeout:           timeout,
		msgCh:             make(chan MsgWithSig, msgChanCap),
		reflectedTypesMap: reflectedTypesMap,
		shutdownCh:        make(chan struct{}),
	}
	trans.setupStreamContext()
	go trans.listen()
	return trans, nil
}

func (t *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	t.streamCtx = ctx
	t.streamCancel = cancel
}

// GetStreamContext returns the current stream context.
func (t *NetworkTransport) GetStreamContext() context.Context {
	t.streamCtxLock.RLock()
	defer t.streamCtxLock.RUnlock()
	return t.streamCtx
}

// MsgChan returns the channel delivering the received messages.
func (t *NetworkTransport) MsgChan() <-chan MsgWithSig {
	return t.msgCh
}

// LocalAddr returns the address the transport listens on.
func (t *NetworkTransport) LocalAddr() string {
	return t.listener.Addr().String()
}

// IsShutdown reports whether the transport has been closed.
func (t *NetworkTransport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close shuts the transport down and releases all pooled connections.
func (t *NetworkTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.shutdown = true
		t.streamCtxLock.Lock()
		t.streamCancel()
		t.streamCtxLock.Unlock()
		t.CloseConns()
		return t.listener.Close()
	}
	return nil
}

// CloseConns releases all pooled outbound connections.
func (t *NetworkTransport) CloseConns() {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	for target, conns := range t.connPool {
		for _, conn := range conns {
			_ = conn.Release()
		}
		delete(t.connPool, target)
	}
}

// GetConn returns a pooled connection to the target, dialing if needed.
func (t *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if t.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	if conn := t.getPooledConn(target); conn != nil {
		return conn, nil
	}
	netConn, err := net.DialTimeout("tcp", target, t.timeout)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(netConn)
	return &NetConn{
		target: target,
		conn:   netConn,
		w:      w,
		enc:    codec.NewEncoder(w, &codec.MsgpackHandle{}),
	}, nil
}

func (t *NetworkTransport) getPooledConn(target string) *NetConn {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	conns, ok := t.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}
	var conn *NetConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	t.connPool[target] = conns[:num-1]
	return conn
}

// ReturnConn puts the connection back into the pool, or releases it if the
// pool is full.
func (t *NetworkTransport) ReturnConn(conn *NetConn) error {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	key := conn.target
	conns := t.connPool[key]
	if !t.IsShutdown() && len(conns) < t.maxPool {
		t.connPool[key] = append(conns, conn)
		return nil
	}
	return conn.Release()
}

// SendMsg writes one tagged, signed message frame on the connection.
func SendMsg(nc *NetConn, msgType uint8, msg interface{}, sig []byte) error {
	if err := nc.w.WriteByte(msgType); err != nil {
		return err
	}
	if err := nc.enc.Encode(msg); err != nil {
		return err
	}
	if err := nc.enc.Encode(sig); err != nil {
		return err
	}
	return nc.w.Flush()
}

func (t *NetworkTransport) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.IsShutdown() {
				return
			}
			t.logger.Error("failed to accept connection", "error", err)
			continue
		}
		t.logger.Debug("accepted connection", "remote-address", conn.RemoteAddr().String())
		go t.handleConn(t.GetStreamContext(), conn)
	}
}

func (t *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			t.logger.Debug("stream layer is closed")
			return
		default:
		}
		if err := t.handleMessage(r, dec); err != nil {
			if err != io.EOF {
				t.logger.Error("failed to decode incoming message", "error", err)
			}
			return
		}
	}
}

func (t *NetworkTransport) handleMessage(r *bufio.Reader, dec *codec.Decoder) error {
	msgType, err := r.ReadByte()
	if err != nil {
		return err
	}
	mtype, ok := t.reflectedTypesMap[msgType]
	if !ok {
		return ErrUnknownMsgType
	}
	msg := reflect.New(mtype).Interface()
	if err = dec.Decode(msg); err != nil {
		return err
	}
	var sig []byte
	if err = dec.Decode(&sig); err != nil {
		return err
	}
	select {
	case t.msgCh <- MsgWithSig{Msg: reflect.ValueOf(msg).Elem().Interface(), Sig: sig}:
	case <-t.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

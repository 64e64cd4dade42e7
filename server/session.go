package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spacearena/protocol"
)

var (
	// ErrSessionClosed 会话已关闭，不再收发
	ErrSessionClosed = errors.New("server: session closed")
	// ErrSendQueueFull 发送队列已满：对端消费过慢，会话被关闭
	ErrSendQueueFull = errors.New("server: send queue full")
	// ErrUnexpectedAfterJoin 加入后只接受 InputCommand
	ErrUnexpectedAfterJoin = errors.New("server: unexpected message after join")
)

const inboundQueueSize = 8

// SessionConfig 单连接的队列与超时参数
type SessionConfig struct {
	MaxFrameSize      int
	InputQueueSize    int
	OutboundQueueSize int
	IdleTimeout       time.Duration
	KeepAlive         time.Duration
	WriteTimeout      time.Duration
}

// SessionConfig 从服务端配置中取出会话参数
func (c Config) SessionConfig() SessionConfig {
	return SessionConfig{
		MaxFrameSize:      c.MaxFrameSize,
		InputQueueSize:    c.InputQueueSize,
		OutboundQueueSize: c.OutboundQueueSize,
		IdleTimeout:       c.IdleTimeout,
		KeepAlive:         c.KeepAlive,
		WriteTimeout:      c.WriteTimeout,
	}
}

type outbound struct {
	msg   protocol.Message
	final bool // 写完后关闭连接
}

// Session 负责一条连接的读写：读协程解帧并分发，写协程串行写出
type Session struct {
	ID      string
	conn    net.Conn
	cfg     SessionConfig
	log     LogSink
	metrics *Metrics

	slot    atomic.Int32 // -1 表示尚未绑定席位
	out     chan outbound
	inbound chan protocol.Message
	inputs  *inputQueue

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewSession 包装连接；调用 Start 后开始读写
func NewSession(conn net.Conn, cfg SessionConfig, log LogSink, metrics *Metrics) *Session {
	if log == nil {
		log = nopSink{}
	}
	s := &Session{
		ID:      uuid.NewString(),
		conn:    conn,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		out:     make(chan outbound, cfg.OutboundQueueSize),
		inbound: make(chan protocol.Message, inboundQueueSize),
		inputs:  newInputQueue(cfg.InputQueueSize),
		done:    make(chan struct{}),
	}
	s.slot.Store(-1)
	return s
}

// Start 启动读写协程，重复调用无效
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.writePump()
		go s.readPump()
	})
}

// RemoteAddr 对端地址
func (s *Session) RemoteAddr() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Slot 当前绑定的席位，未绑定为 -1
func (s *Session) Slot() int { return int(s.slot.Load()) }

func (s *Session) bind(slot int) { s.slot.Store(int32(slot)) }

// Send 非阻塞入队；队列满视为慢连接，关闭会话
func (s *Session) Send(m protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- outbound{msg: m}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.closeWithError(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// sendFinal 尽力发送最后一条消息，写完即关闭；入队失败直接关闭
func (s *Session) sendFinal(m protocol.Message) {
	select {
	case s.out <- outbound{msg: m, final: true}:
	default:
		s.Close()
	}
}

// Receive 阻塞读取一条非输入类消息
func (s *Session) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-s.inbound:
		return m, nil
	case <-s.done:
		select {
		case m := <-s.inbound:
			return m, nil
		default:
		}
		return nil, s.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DrainInputs 按到达顺序取出全部未消费的输入
func (s *Session) DrainInputs() []protocol.InputCommand {
	return s.inputs.drain()
}

// Done 会话断开时关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Err 断开原因；主动 Close 时为 ErrSessionClosed
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

// Close 关闭底层连接，幂等，可在任意协程调用
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) closeWithError(err error) {
	s.setErr(err)
	_ = s.Close()
}

// fail 协议/分帧错误：尽力回一条 Error 后关闭
func (s *Session) fail(code uint16, err error) {
	s.metrics.IncProtocolError()
	s.log.Logf(LevelLow, "session %s (%s): %v", s.ID, s.RemoteAddr(), err)
	s.setErr(err)
	s.sendFinal(protocol.Error{Code: code, Text: err.Error()})
}

// writePump 独立协程，负责从 out 队列写出；空闲时写空帧保活
func (s *Session) writePump() {
	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-s.done:
			return
		case ob := <-s.out:
			payload, err := protocol.Marshal(ob.msg)
			if err != nil {
				s.log.Logf(LevelSilent, "session %s: marshal %s: %v", s.ID, ob.msg.Type(), err)
				if ob.final {
					s.Close()
					return
				}
				continue
			}
			if err := s.write(payload); err != nil {
				s.closeWithError(fmt.Errorf("write: %w", err))
				return
			}
			if ob.final {
				s.Close()
				return
			}
			keepAlive.Reset(s.cfg.KeepAlive)
		case <-keepAlive.C:
			if err := s.write(nil); err != nil {
				s.closeWithError(fmt.Errorf("keep-alive: %w", err))
				return
			}
		}
	}
}

func (s *Session) write(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return protocol.WriteFrame(s.conn, payload, s.cfg.MaxFrameSize)
}

// readPump 读取字节流，解帧、反序列化后分发
func (s *Session) readPump() {
	dec := protocol.NewFrameDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, 4096)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !s.dispatch(dec) {
				return
			}
		}
		if err != nil {
			s.closeWithError(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// dispatch 解出缓冲中所有完整帧；返回 false 表示会话应停止读取
func (s *Session) dispatch(dec *protocol.FrameDecoder) bool {
	for {
		payload, err := dec.Next()
		if errors.Is(err, protocol.ErrIncompleteFrame) {
			return true
		}
		if err != nil {
			s.fail(protocol.ErrCodeFraming, err)
			return false
		}
		if len(payload) == 0 {
			continue // 保活空帧
		}
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			s.fail(protocol.ErrCodeProtocol, err)
			return false
		}
		if !s.route(msg) {
			return false
		}
	}
}

// route 输入命令进入席位输入队列；加入前的其余消息进入通用入站队列，
// 加入后的其余消息视为协议错误。返回 false 表示会话应停止读取
func (s *Session) route(msg protocol.Message) bool {
	bound := s.Slot() >= 0
	if in, ok := msg.(protocol.InputCommand); ok {
		if !bound {
			s.metrics.IncDiscarded("unbound")
			s.log.Logf(LevelMedium, "session %s: input before join discarded", s.ID)
			return true
		}
		if s.inputs.push(in) {
			s.metrics.IncDiscarded("overflow")
		}
		return true
	}
	if bound {
		s.fail(protocol.ErrCodeUnexpected, fmt.Errorf("%w: %s", ErrUnexpectedAfterJoin, msg.Type()))
		return false
	}
	select {
	case s.inbound <- msg:
	default:
		s.log.Logf(LevelMedium, "session %s: inbound queue full, dropped %s", s.ID, msg.Type())
	}
	return true
}

// inputQueue 有界 FIFO：满时丢弃最旧的命令
type inputQueue struct {
	mu  sync.Mutex
	buf []protocol.InputCommand
	max int
}

func newInputQueue(max int) *inputQueue {
	if max <= 0 {
		max = 1
	}
	return &inputQueue{buf: make([]protocol.InputCommand, 0, max), max: max}
}

func (q *inputQueue) push(c protocol.InputCommand) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == q.max {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		dropped = true
	}
	q.buf = append(q.buf, c)
	return dropped
}

func (q *inputQueue) drain() []protocol.InputCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := make([]protocol.InputCommand, len(q.buf))
	copy(out, q.buf)
	q.buf = q.buf[:0]
	return out
}

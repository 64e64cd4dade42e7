package server

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"spacearena/protocol"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TickRate = 100
	cfg.IdleTimeout = 2 * time.Second
	cfg.KeepAlive = time.Second
	cfg.JoinTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.WaitingTimeout = 0
	cfg.Intermission = 0
	return cfg
}

// wire 测试中扮演客户端的一端
type wire struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.FrameDecoder
	buf  []byte
}

func newWire(t *testing.T, conn net.Conn) *wire {
	t.Helper()
	t.Cleanup(func() { conn.Close() })
	return &wire{t: t, conn: conn, dec: protocol.NewFrameDecoder(0), buf: make([]byte, 4096)}
}

func (w *wire) send(m protocol.Message) {
	w.t.Helper()
	payload, err := protocol.Marshal(m)
	if err != nil {
		w.t.Fatalf("marshal %s: %v", m.Type(), err)
	}
	w.sendRaw(payload)
}

func (w *wire) sendRaw(payload []byte) {
	w.t.Helper()
	_ = w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteFrame(w.conn, payload, protocol.DefaultMaxFrameSize); err != nil {
		w.t.Fatalf("write frame: %v", err)
	}
}

// next 读下一条非空帧消息
func (w *wire) next() (protocol.Message, error) {
	_ = w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		payload, err := w.dec.Next()
		if err == nil {
			if len(payload) == 0 {
				continue
			}
			return protocol.Unmarshal(payload)
		}
		if !errors.Is(err, protocol.ErrIncompleteFrame) {
			return nil, err
		}
		n, rerr := w.conn.Read(w.buf)
		if n > 0 {
			w.dec.Feed(w.buf[:n])
			continue
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func (w *wire) recv() protocol.Message {
	w.t.Helper()
	m, err := w.next()
	if err != nil {
		w.t.Fatalf("recv: %v", err)
	}
	return m
}

// recvUntil 跳过快照等无关消息，直到收到指定类型
func (w *wire) recvUntil(typ protocol.MessageType) protocol.Message {
	w.t.Helper()
	for {
		m := w.recv()
		if m.Type() == typ {
			return m
		}
	}
}

// expectClosed 对端应在读完剩余数据后关闭连接
func (w *wire) expectClosed() {
	w.t.Helper()
	for {
		if _, err := w.next(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				w.t.Fatalf("connection still open")
			}
			return
		}
	}
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// fakePeer 记录收到的消息，输入由测试手动排队
type fakePeer struct {
	mu     sync.Mutex
	inputs []protocol.InputCommand
	msgs   []protocol.Message
	snaps  chan protocol.WorldSnapshot
	fail   error
}

func newFakePeer() *fakePeer {
	return &fakePeer{snaps: make(chan protocol.WorldSnapshot, 4096)}
}

func (p *fakePeer) Send(m protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, m)
	if s, ok := m.(protocol.WorldSnapshot); ok {
		select {
		case p.snaps <- s:
		default:
		}
	}
	return nil
}

func (p *fakePeer) DrainInputs() []protocol.InputCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.inputs
	p.inputs = nil
	return out
}

func (p *fakePeer) queue(cmds ...protocol.InputCommand) {
	p.mu.Lock()
	p.inputs = append(p.inputs, cmds...)
	p.mu.Unlock()
}

func (p *fakePeer) lastSnapshot(t *testing.T) protocol.WorldSnapshot {
	t.Helper()
	var (
		last protocol.WorldSnapshot
		ok   bool
	)
	for {
		select {
		case s := <-p.snaps:
			last, ok = s, true
		default:
			if !ok {
				t.Fatalf("no snapshot delivered")
			}
			return last
		}
	}
}

func (p *fakePeer) awaitSnapshot(t *testing.T) protocol.WorldSnapshot {
	t.Helper()
	select {
	case s := <-p.snaps:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return protocol.WorldSnapshot{}
	}
}

func (p *fakePeer) pending() int { return len(p.snaps) }

// recordingListener 记录注册表发出的席位变化
type recordingListener struct {
	mu     sync.Mutex
	joined []int
	left   chan int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{left: make(chan int, 8)}
}

func (l *recordingListener) PlayerJoined(slot int, p Peer) {
	l.mu.Lock()
	l.joined = append(l.joined, slot)
	l.mu.Unlock()
}

func (l *recordingListener) PlayerLeft(slot int, p Peer) {
	l.left <- slot
}

func (l *recordingListener) joins() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.joined...)
}

package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"spacearena/protocol"
)

func startSession(t *testing.T, cfg SessionConfig) (*Session, *wire) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession(server, cfg, nil, nil)
	s.Start()
	t.Cleanup(func() { s.Close() })
	return s, newWire(t, client)
}

// syncSession 发送一条非输入消息并等它被路由，保证此前的输入都已入队
func syncSession(t *testing.T, s *Session, w *wire) {
	t.Helper()
	w.send(protocol.JoinRequest{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}
}

// waitQueued 等待输入队列末尾出现指定序号的命令
func waitQueued(t *testing.T, s *Session, tick uint32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.inputs.mu.Lock()
		n := len(s.inputs.buf)
		last := n > 0 && s.inputs.buf[n-1].Tick == tick
		s.inputs.mu.Unlock()
		if last {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("input %d never queued", tick)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionInputOverflowDropsOldest(t *testing.T) {
	cfg := testConfig().SessionConfig()
	cfg.InputQueueSize = 3
	s, w := startSession(t, cfg)
	s.bind(0)

	for tick := uint32(1); tick <= 5; tick++ {
		w.send(protocol.InputCommand{Slot: 0, Tick: tick})
	}
	waitQueued(t, s, 5)

	got := s.DrainInputs()
	if len(got) != 3 {
		t.Fatalf("drained %d inputs, want 3", len(got))
	}
	for i, want := range []uint32{3, 4, 5} {
		if got[i].Tick != want {
			t.Fatalf("input %d tick = %d, want %d", i, got[i].Tick, want)
		}
	}
	if again := s.DrainInputs(); again != nil {
		t.Fatalf("second drain returned %v", again)
	}
}

func TestSessionInputBeforeJoinDiscarded(t *testing.T) {
	s, w := startSession(t, testConfig().SessionConfig())

	w.send(protocol.InputCommand{Slot: 0, Tick: 1, Fire: true})
	syncSession(t, s, w)

	if got := s.DrainInputs(); len(got) != 0 {
		t.Fatalf("unbound session queued %d inputs", len(got))
	}
	if s.Slot() != -1 {
		t.Fatalf("slot = %d, want -1", s.Slot())
	}
}

func TestSessionKeepAliveFramesIgnored(t *testing.T) {
	s, w := startSession(t, testConfig().SessionConfig())
	s.bind(1)

	w.sendRaw(nil)
	w.sendRaw(nil)
	w.send(protocol.InputCommand{Slot: 1, Tick: 9})
	waitQueued(t, s, 9)

	got := s.DrainInputs()
	if len(got) != 1 || got[0].Tick != 9 {
		t.Fatalf("inputs = %+v, want one with tick 9", got)
	}
}

func TestSessionNonInputAfterJoinCloses(t *testing.T) {
	s, w := startSession(t, testConfig().SessionConfig())
	s.bind(0)

	w.send(protocol.JoinRequest{})

	e, ok := w.recv().(protocol.Error)
	if !ok || e.Code != protocol.ErrCodeUnexpected {
		t.Fatalf("got %+v, want unexpected-message error", e)
	}
	w.expectClosed()
	waitDone(t, s.Done(), "session close")
	if !errors.Is(s.Err(), ErrUnexpectedAfterJoin) {
		t.Fatalf("session err = %v", s.Err())
	}
}

func TestSessionMalformedMessageSendsErrorAndCloses(t *testing.T) {
	s, w := startSession(t, testConfig().SessionConfig())

	w.sendRaw([]byte{0xFF})

	m := w.recv()
	e, ok := m.(protocol.Error)
	if !ok {
		t.Fatalf("got %s, want Error", m.Type())
	}
	if e.Code != protocol.ErrCodeProtocol {
		t.Fatalf("error code = %d, want %d", e.Code, protocol.ErrCodeProtocol)
	}
	w.expectClosed()
	waitDone(t, s.Done(), "session close")
	if !errors.Is(s.Err(), protocol.ErrUnknownMessageType) {
		t.Fatalf("session err = %v", s.Err())
	}
}

func TestSessionOversizedFrameSendsFramingError(t *testing.T) {
	cfg := testConfig().SessionConfig()
	cfg.MaxFrameSize = 64
	s, w := startSession(t, cfg)

	var hdr [protocol.FrameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], 1000)
	_ = w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.conn.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	e, ok := w.recv().(protocol.Error)
	if !ok || e.Code != protocol.ErrCodeFraming {
		t.Fatalf("got %+v, want framing error", e)
	}
	waitDone(t, s.Done(), "session close")
	if !errors.Is(s.Err(), protocol.ErrFrameTooLarge) {
		t.Fatalf("session err = %v", s.Err())
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s, _ := startSession(t, testConfig().SessionConfig())

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	waitDone(t, s.Done(), "session close")
	if err := s.Send(protocol.PlayerLeft{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if _, err := s.Receive(context.Background()); err == nil {
		t.Fatalf("receive after close returned no error")
	}
}

func TestSessionSendQueueFullCloses(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg := testConfig().SessionConfig()
	cfg.OutboundQueueSize = 1
	// 不启动写协程，队列无人消费
	s := NewSession(server, cfg, nil, nil)

	if err := s.Send(protocol.PlayerLeft{Slot: 0}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(protocol.PlayerLeft{Slot: 1}); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("second send = %v, want ErrSendQueueFull", err)
	}
	waitDone(t, s.Done(), "session close")
	if !errors.Is(s.Err(), ErrSendQueueFull) {
		t.Fatalf("session err = %v", s.Err())
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := testConfig().SessionConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.KeepAlive = 50 * time.Millisecond
	s, w := startSession(t, cfg)

	// 客户端只读不写：服务端保活帧不影响读超时
	go func() {
		for {
			if _, err := w.next(); err != nil {
				return
			}
		}
	}()
	waitDone(t, s.Done(), "idle disconnect")
	if s.Err() == nil {
		t.Fatalf("idle session closed without error")
	}
}

func TestInputQueuePushDrain(t *testing.T) {
	q := newInputQueue(2)
	if q.push(protocol.InputCommand{Tick: 1}) {
		t.Fatal("push into empty queue reported a drop")
	}
	q.push(protocol.InputCommand{Tick: 2})
	if !q.push(protocol.InputCommand{Tick: 3}) {
		t.Fatal("push into full queue did not report a drop")
	}
	got := q.drain()
	if len(got) != 2 || got[0].Tick != 2 || got[1].Tick != 3 {
		t.Fatalf("drain = %+v", got)
	}
	if q.drain() != nil {
		t.Fatal("drain of empty queue not nil")
	}
}

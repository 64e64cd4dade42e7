package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"spacearena/protocol"
)

type joinResult struct {
	reply protocol.Message
	err   error
}

// join 走一遍握手：客户端发 JoinRequest，注册表在后台 Accept
func join(t *testing.T, r *Registry) (*wire, joinResult) {
	t.Helper()
	server, client := net.Pipe()
	w := newWire(t, client)
	res := make(chan joinResult, 1)
	go func() {
		reply, err := r.Accept(context.Background(), server)
		res <- joinResult{reply, err}
	}()
	w.send(protocol.JoinRequest{})
	m := w.recv()
	select {
	case jr := <-res:
		if jr.reply != nil && jr.reply.Type() != m.Type() {
			t.Fatalf("Accept returned %s but peer got %s", jr.reply.Type(), m.Type())
		}
		return w, jr
	case <-time.After(2 * time.Second):
		t.Fatalf("Accept did not return")
		return nil, joinResult{}
	}
}

func TestRegistryAssignsSlotsAndRejectsThird(t *testing.T) {
	ln := newRecordingListener()
	r := NewRegistry(testConfig(), ln, nil, nil)
	defer r.Close()

	for want := 0; want < protocol.MaxSlots; want++ {
		_, jr := join(t, r)
		if jr.err != nil {
			t.Fatalf("join %d: %v", want, jr.err)
		}
		acc, ok := jr.reply.(protocol.JoinAccepted)
		if !ok || int(acc.Slot) != want {
			t.Fatalf("join %d: reply %+v", want, jr.reply)
		}
	}

	w, jr := join(t, r)
	if jr.err != nil {
		t.Fatalf("third join: %v", jr.err)
	}
	rej, ok := jr.reply.(protocol.JoinRejected)
	if !ok || rej.Reason != protocol.RejectServerFull {
		t.Fatalf("third join reply %+v, want server full", jr.reply)
	}
	w.expectClosed()

	// 被拒绝的连接不产生任何席位变化
	if got := ln.joins(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("listener joins = %v, want [0 1]", got)
	}
	if got := r.Occupied(); len(got) != 2 {
		t.Fatalf("occupied = %v", got)
	}
}

func TestRegistryDisconnectFreesSlot(t *testing.T) {
	ln := newRecordingListener()
	r := NewRegistry(testConfig(), ln, nil, nil)
	defer r.Close()

	w0, _ := join(t, r)
	w1, _ := join(t, r)

	w0.conn.Close()
	select {
	case slot := <-ln.left:
		if slot != 0 {
			t.Fatalf("left slot = %d, want 0", slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave event")
	}

	left := w1.recvUntil(protocol.TypePlayerLeft).(protocol.PlayerLeft)
	if left.Slot != 0 {
		t.Fatalf("PlayerLeft slot = %d, want 0", left.Slot)
	}

	// 空出的席位可被新连接复用
	_, jr := join(t, r)
	if acc, ok := jr.reply.(protocol.JoinAccepted); !ok || acc.Slot != 0 {
		t.Fatalf("rejoin reply %+v, want slot 0", jr.reply)
	}
}

func TestRegistryJoinTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	r := NewRegistry(cfg, newRecordingListener(), nil, nil)
	defer r.Close()

	server, client := net.Pipe()
	defer client.Close()
	_, err := r.Accept(context.Background(), server)
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("err = %v, want ErrJoinTimeout", err)
	}
	if len(r.Occupied()) != 0 {
		t.Fatal("timed out connection holds a slot")
	}
}

func TestRegistryUnexpectedFirstMessage(t *testing.T) {
	r := NewRegistry(testConfig(), newRecordingListener(), nil, nil)
	defer r.Close()

	server, client := net.Pipe()
	w := newWire(t, client)
	res := make(chan error, 1)
	go func() {
		_, err := r.Accept(context.Background(), server)
		res <- err
	}()
	w.send(protocol.PlayerLeft{Slot: 0})

	e, ok := w.recv().(protocol.Error)
	if !ok || e.Code != protocol.ErrCodeUnexpected {
		t.Fatalf("got %+v, want unexpected-message error", e)
	}
	w.expectClosed()
	if err := <-res; !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want ErrUnexpectedMessage", err)
	}
}

func TestRegistryDropAll(t *testing.T) {
	ln := newRecordingListener()
	r := NewRegistry(testConfig(), ln, nil, nil)

	w0, _ := join(t, r)
	r.DropAll()
	w0.expectClosed()
	select {
	case <-ln.left:
	case <-time.After(2 * time.Second):
		t.Fatal("no leave event after DropAll")
	}
	r.Close()
	if len(r.Slots()) != 0 {
		t.Fatalf("slots after DropAll: %v", r.Slots())
	}
}

func TestRegistryRefusesJoinAfterClose(t *testing.T) {
	ln := newRecordingListener()
	r := NewRegistry(testConfig(), ln, nil, nil)
	r.Close()

	server, client := net.Pipe()
	w := newWire(t, client)
	res := make(chan error, 1)
	go func() {
		_, err := r.Accept(context.Background(), server)
		res <- err
	}()
	// 握手在 Close 之后才完成
	w.send(protocol.JoinRequest{})

	select {
	case err := <-res:
		if !errors.Is(err, ErrRegistryClosed) {
			t.Fatalf("err = %v, want ErrRegistryClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return")
	}
	w.expectClosed()
	if got := r.Occupied(); len(got) != 0 {
		t.Fatalf("occupied after close = %v", got)
	}
	if got := ln.joins(); len(got) != 0 {
		t.Fatalf("listener saw joins %v", got)
	}
	// 不再有 watch 协程，可重复 Close
	r.Close()
}

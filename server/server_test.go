package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"spacearena/client"
	"spacearena/protocol"
)

func e2eConfig() Config {
	cfg := testConfig()
	cfg.TickRate = 50
	cfg.IdleTimeout = 10 * time.Second
	cfg.KeepAlive = 3 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv, srv.Addr().String()
}

func dialAndJoin(t *testing.T, ctx context.Context, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	jctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.Join(jctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	go c.Run(ctx)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerTwoPlayerSession(t *testing.T) {
	srv, addr := startServer(t, e2eConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := dialAndJoin(t, ctx, addr)
	c2 := dialAndJoin(t, ctx, addr)
	if c1.Slot() != 0 || c2.Slot() != 1 {
		t.Fatalf("slots = %d, %d", c1.Slot(), c2.Slot())
	}

	eventually(t, "first snapshot", func() bool {
		v := c1.View()
		return v.Applied && len(v.Players) == 2 && v.Phase == protocol.PhaseRunning
	})
	t0 := c1.View().Tick
	eventually(t, "tick advance", func() bool { return c1.View().Tick > t0 })

	// 第三个连接被拒绝，不影响在线玩家
	c3, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial third: %v", err)
	}
	jctx, jcancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = c3.Join(jctx)
	jcancel()
	if !errors.Is(err, client.ErrJoinRejected) {
		t.Fatalf("third join err = %v, want ErrJoinRejected", err)
	}
	if got := srv.Registry().Occupied(); len(got) != 2 {
		t.Fatalf("occupied = %v", got)
	}

	if err := c1.SendInput(0, 0, true); err != nil {
		t.Fatalf("send input: %v", err)
	}
	eventually(t, "bullet from slot 0", func() bool {
		for _, b := range c1.View().Bullets {
			if b.Owner == 0 {
				return true
			}
		}
		return false
	})

	c2.Close()
	eventually(t, "player 1 removed", func() bool {
		v := c1.View()
		return len(v.Players) == 1 && v.Players[0].Slot == 0
	})
	if v := c1.View(); v.Phase != protocol.PhaseRunning {
		t.Fatalf("phase after disconnect = %s", v.Phase)
	}
	eventually(t, "slot 1 freed", func() bool { return len(srv.Registry().Occupied()) == 1 })
	if got := testutil.ToFloat64(srv.metrics.disconnects); got != 1 {
		t.Fatalf("disconnects metric = %v", got)
	}
	if got := testutil.ToFloat64(srv.metrics.joins.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected joins metric = %v", got)
	}
}

func TestServerWebSocketAndAdmin(t *testing.T) {
	cfg := e2eConfig()
	cfg.MinPlayers = 1
	srv, _ := startServer(t, cfg)

	ts := httptest.NewServer(srv.AdminHandler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := client.DialWS(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+cfg.WSPath)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer c.Close()
	jctx, jcancel := context.WithTimeout(ctx, 2*time.Second)
	slot, err := c.Join(jctx)
	jcancel()
	if err != nil || slot != 0 {
		t.Fatalf("join over ws: slot %d, err %v", slot, err)
	}
	go c.Run(ctx)

	eventually(t, "snapshot over ws", func() bool {
		v := c.View()
		return v.Applied && len(v.Players) == 1
	})

	resp, err := http.Get(ts.URL + "/admin/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status struct {
		Loop  LoopStatus `json:"loop"`
		Slots []SlotInfo `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Loop.Phase != protocol.PhaseRunning.String() || len(status.Slots) != 1 {
		t.Fatalf("status = %+v", status)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	if !strings.Contains(string(body), "spacearena_ticks_total") {
		t.Fatalf("metrics output missing tick counter")
	}

	hresp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", hresp.StatusCode)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TickRate = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New accepted an invalid config")
	}
}

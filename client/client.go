package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"spacearena/protocol"
	"spacearena/transport"
)

// Client 一条到服务端的连接；加入后由 Run 持续读取并应用消息
type Client struct {
	conn    net.Conn
	applier *Applier

	maxFrame     int
	keepAlive    time.Duration
	writeTimeout time.Duration

	wmu  sync.Mutex
	dec  *protocol.FrameDecoder
	rbuf []byte

	slot int
	seq  uint32

	closeOnce sync.Once
	done      chan struct{}
}

// Dial 通过 TCP 连接服务端
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// DialWS 通过 WebSocket 连接服务端，如 ws://127.0.0.1:8080/ws
func DialWS(ctx context.Context, url string) (*Client, error) {
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New 包装已建立的连接
func New(conn net.Conn) *Client {
	return &Client{
		conn:         conn,
		applier:      NewApplier(),
		maxFrame:     protocol.DefaultMaxFrameSize,
		keepAlive:    5 * time.Second,
		writeTimeout: 5 * time.Second,
		dec:          protocol.NewFrameDecoder(protocol.DefaultMaxFrameSize),
		rbuf:         make([]byte, 4096),
		slot:         -1,
		done:         make(chan struct{}),
	}
}

// Applier 本地状态镜像
func (c *Client) Applier() *Applier { return c.applier }

// View 当前本地视图的副本
func (c *Client) View() View { return c.applier.View() }

// Slot 加入后分配到的席位
func (c *Client) Slot() int { return c.slot }

// Join 发送 JoinRequest 并等待结果
func (c *Client) Join(ctx context.Context) (int, error) {
	if err := c.send(protocol.JoinRequest{}); err != nil {
		return -1, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	// ctx 取消时关闭连接，解除阻塞的读
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		case <-c.done:
		}
	}()
	for {
		m, err := c.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return -1, fmt.Errorf("join: %w", ctx.Err())
			}
			return -1, fmt.Errorf("join: %w", err)
		}
		if err := c.applier.Apply(m); err != nil && !errors.Is(err, ErrStaleSnapshot) {
			c.Close()
			return -1, err
		}
		if acc, ok := m.(protocol.JoinAccepted); ok {
			c.slot = int(acc.Slot)
			return c.slot, nil
		}
	}
}

// Run 读取并应用服务端消息，直到连接断开、收到 Error 或 ctx 取消
func (c *Client) Run(ctx context.Context) error {
	go c.keepAliveLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	for {
		m, err := c.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.applier.Apply(m); err != nil {
			if errors.Is(err, ErrStaleSnapshot) {
				continue
			}
			c.Close()
			return err
		}
	}
}

// SendInput 发送一条输入意图；Tick 字段为本地严格递增序号
func (c *Client) SendInput(moveX, moveY float32, fire bool) error {
	if c.slot < 0 {
		return errors.New("client: not joined")
	}
	c.wmu.Lock()
	c.seq++
	seq := c.seq
	c.wmu.Unlock()
	return c.send(protocol.InputCommand{Slot: uint8(c.slot), MoveX: moveX, MoveY: moveY, Fire: fire, Tick: seq})
}

// Close 关闭连接，幂等
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(m protocol.Message) error {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

func (c *Client) writeFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return protocol.WriteFrame(c.conn, payload, c.maxFrame)
}

// keepAliveLoop 定期写空帧，避免服务端空闲超时
func (c *Client) keepAliveLoop(ctx context.Context) {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.writeFrame(nil); err != nil {
				return
			}
		}
	}
}

// readMessage 读到一条完整消息为止；空帧（保活）跳过
func (c *Client) readMessage() (protocol.Message, error) {
	for {
		payload, err := c.dec.Next()
		switch {
		case err == nil:
			if len(payload) == 0 {
				continue
			}
			return protocol.Unmarshal(payload)
		case !errors.Is(err, protocol.ErrIncompleteFrame):
			return nil, err
		}
		n, rerr := c.conn.Read(c.rbuf)
		if n > 0 {
			c.dec.Feed(c.rbuf[:n])
			continue
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

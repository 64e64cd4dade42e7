// Package transport 让 WebSocket 连接以字节流的形式承载长度前缀帧，
// 从而与 TCP 连接共用同一套会话与编解码逻辑。
package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader 默认升级器（演示环境允许所有来源）
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSConn 把 *websocket.Conn 适配为 net.Conn：
// 写出的每段字节作为一条二进制消息，读取时把连续的二进制消息拼成字节流。
//
// 与 gorilla/websocket 相同：同一时刻只允许一个读协程和一个写协程。
type WSConn struct {
	ws *websocket.Conn
	r  io.Reader
}

// NewWSConn 包装已建立的 WebSocket 连接
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Upgrade 将 HTTP 请求升级为 WebSocket 并返回字节流连接
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// Dial 连接 ws:// 地址
func Dial(ctx context.Context, url string) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue // 忽略文本消息
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WSConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WSConn) Close() error { return c.ws.Close() }

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

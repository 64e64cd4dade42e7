package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize 帧头长度：4 字节大端无符号长度
const FrameHeaderSize = 4

// DefaultMaxFrameSize 单帧负载上限（1MB），防止恶意长度前缀导致超大分配
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrIncompleteFrame 缓冲区中的字节还不足一整帧，需要继续读取
	ErrIncompleteFrame = errors.New("protocol: incomplete frame")
	// ErrFrameTooLarge 声明的负载长度超过上限
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// EncodeFrame 将负载编码为一帧：长度前缀 + 负载
func EncodeFrame(payload []byte) ([]byte, error) {
	return encodeFrame(payload, DefaultMaxFrameSize)
}

func encodeFrame(payload []byte, max int) ([]byte, error) {
	if len(payload) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), max)
	}
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// WriteFrame 写出完整的一帧；短写会继续重试直到写完或出错
func WriteFrame(w io.Writer, payload []byte, max int) error {
	frame, err := encodeFrame(payload, max)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}

// FrameDecoder 可恢复的帧解码器：跨多次 socket 读取缓存半帧，凑齐后再解出
//
// 非并发安全，只应由读协程使用。
type FrameDecoder struct {
	buf []byte
	max int
}

// NewFrameDecoder 创建解码器；max<=0 时使用 DefaultMaxFrameSize
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameDecoder{max: max}
}

// Feed 追加新读到的字节
func (d *FrameDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered 当前缓存但尚未解出的字节数
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Next 尝试解出一帧负载。字节不足返回 ErrIncompleteFrame（缓冲保持不变），
// 长度超限返回 ErrFrameTooLarge（此后连接应被关闭）。
func (d *FrameDecoder) Next() ([]byte, error) {
	if len(d.buf) < FrameHeaderSize {
		return nil, ErrIncompleteFrame
	}
	n := binary.BigEndian.Uint32(d.buf)
	if uint64(n) > uint64(d.max) {
		return nil, fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, n, d.max)
	}
	end := FrameHeaderSize + int(n)
	if len(d.buf) < end {
		return nil, ErrIncompleteFrame
	}
	payload := make([]byte, n)
	copy(payload, d.buf[FrameHeaderSize:end])

	// 压缩缓冲，避免长连接下底层数组无限增长
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, nil
}

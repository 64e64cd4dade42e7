package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownMessageType 无法识别的消息标签
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrMalformedMessage 标签已知但负载形状不符（缺字段、数量不符、尾部多余字节等）
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

const (
	playerRecordSize = 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4
	enemyRecordSize  = 4 + 1 + 4 + 4 + 4
	bulletRecordSize = 4 + 1 + 4 + 4 + 4
	maxStringLen     = math.MaxUint16
	maxListLen       = math.MaxUint16
)

// Marshal 将一条消息序列化为负载字节（不含帧头）
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	e := &encoder{buf: make([]byte, 0, 16)}
	e.u8(uint8(m.Type()))
	m.encode(e)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Unmarshal 解析负载字节为消息；要么完整理解，要么拒绝。
// 空列表与 nil 编码相同，解出时一律为 nil。
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	d := &decoder{buf: b[1:]}
	var m Message
	switch t := MessageType(b[0]); t {
	case TypeJoinRequest:
		m = JoinRequest{}
	case TypeJoinAccepted:
		m = JoinAccepted{Slot: d.slot()}
	case TypeJoinRejected:
		m = JoinRejected{Reason: d.str()}
	case TypeInputCommand:
		m = InputCommand{
			Slot:  d.slot(),
			MoveX: d.f32(),
			MoveY: d.f32(),
			Fire:  d.boolean(),
			Tick:  d.u32(),
		}
	case TypeWorldSnapshot:
		m = d.snapshot()
	case TypePlayerLeft:
		m = PlayerLeft{Slot: d.slot()}
	case TypeError:
		m = Error{Code: d.u16(), Text: d.str()}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownMessageType, b[0])
	}
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

func (JoinRequest) encode(*encoder) {}

func (m JoinAccepted) encode(e *encoder) { e.slot(m.Slot) }

func (m JoinRejected) encode(e *encoder) { e.str(m.Reason) }

func (m InputCommand) encode(e *encoder) {
	e.slot(m.Slot)
	e.f32(m.MoveX)
	e.f32(m.MoveY)
	e.boolean(m.Fire)
	e.u32(m.Tick)
}

func (m WorldSnapshot) encode(e *encoder) {
	e.u32(m.Tick)
	if m.Phase > PhaseGameOver {
		e.fail("phase %d", m.Phase)
	}
	e.u8(uint8(m.Phase))
	e.u16(m.LevelIndex)
	e.u32(m.LevelTimerMs)

	e.count(len(m.Players))
	for _, p := range m.Players {
		e.slot(p.Slot)
		e.u32(p.ID)
		e.f32(p.X)
		e.f32(p.Y)
		e.i32(p.Health)
		e.i32(p.MaxHealth)
		e.u32(p.Score)
		e.u32(p.Coins)
	}
	e.count(len(m.Enemies))
	for _, en := range m.Enemies {
		e.u32(en.ID)
		e.u8(en.Kind)
		e.f32(en.X)
		e.f32(en.Y)
		e.i32(en.Health)
	}
	e.count(len(m.Bullets))
	for _, b := range m.Bullets {
		e.u32(b.ID)
		e.slot(b.Owner)
		e.f32(b.X)
		e.f32(b.Y)
		e.i32(b.Damage)
	}
}

func (m PlayerLeft) encode(e *encoder) { e.slot(m.Slot) }

func (m Error) encode(e *encoder) {
	e.u16(m.Code)
	e.str(m.Text)
}

func (d *decoder) snapshot() WorldSnapshot {
	s := WorldSnapshot{
		Tick:         d.u32(),
		Phase:        Phase(d.u8()),
		LevelIndex:   d.u16(),
		LevelTimerMs: d.u32(),
	}
	if s.Phase > PhaseGameOver {
		d.fail("phase %d", s.Phase)
	}
	if n := d.count(playerRecordSize); n > 0 {
		s.Players = make([]PlayerState, n)
		for i := range s.Players {
			s.Players[i] = PlayerState{
				Slot:      d.slot(),
				ID:        d.u32(),
				X:         d.f32(),
				Y:         d.f32(),
				Health:    d.i32(),
				MaxHealth: d.i32(),
				Score:     d.u32(),
				Coins:     d.u32(),
			}
		}
	}
	if n := d.count(enemyRecordSize); n > 0 {
		s.Enemies = make([]EnemyState, n)
		for i := range s.Enemies {
			s.Enemies[i] = EnemyState{
				ID:     d.u32(),
				Kind:   d.u8(),
				X:      d.f32(),
				Y:      d.f32(),
				Health: d.i32(),
			}
		}
	}
	if n := d.count(bulletRecordSize); n > 0 {
		s.Bullets = make([]BulletState, n)
		for i := range s.Bullets {
			s.Bullets[i] = BulletState{
				ID:     d.u32(),
				Owner:  d.slot(),
				X:      d.f32(),
				Y:      d.f32(),
				Damage: d.i32(),
			}
		}
	}
	return s
}

// encoder 定宽大端写入；第一次出错后忽略后续写入
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

// slot 超出席位范围时编码失败，与解码端校验一致
func (e *encoder) slot(v uint8) {
	if v >= MaxSlots {
		e.fail("slot %d", v)
	}
	e.u8(v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) str(s string) {
	if len(s) > maxStringLen {
		e.fail("string of %d bytes", len(s))
		return
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) count(n int) {
	if n > maxListLen {
		e.fail("list of %d elements", n)
		return
	}
	e.u16(uint16(n))
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
	}
}

// decoder 定宽大端读取；出错后返回零值并保留第一个错误
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.fail("need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) i32() int32   { return int32(d.u32()) }
func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) boolean() bool {
	switch v := d.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("bool byte %d", v)
		return false
	}
}

func (d *decoder) slot() uint8 {
	v := d.u8()
	if d.err == nil && v >= MaxSlots {
		d.fail("slot %d", v)
	}
	return v
}

func (d *decoder) str() string {
	n := int(d.u16())
	if b := d.take(n); b != nil {
		return string(b)
	}
	return ""
}

// count 读取列表长度，并先校验剩余字节足够容纳 n 条定长记录
func (d *decoder) count(recordSize int) int {
	n := int(d.u16())
	if d.err != nil {
		return 0
	}
	if len(d.buf) < n*recordSize {
		d.fail("list of %d records needs %d bytes, have %d", n, n*recordSize, len(d.buf))
		return 0
	}
	return n
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
	}
}

package server

import (
	"errors"
	"fmt"
	"math"

	"spacearena/protocol"
)

var (
	errSlotMismatch = errors.New("slot mismatch")
	errBadMovement  = errors.New("movement out of range")
	errStaleInput   = errors.New("stale tick")
)

// inputCursor 每个席位已采纳输入的最大序号，换人时重置
type inputCursor struct {
	last uint32
	seen bool
}

func (c inputCursor) after(tick uint32) bool {
	return !c.seen || tick > c.last
}

// validateInput 校验单条输入；失败只丢弃这一条
func validateInput(slot int, in protocol.InputCommand) error {
	if int(in.Slot) != slot {
		return fmt.Errorf("%w: command for %d on slot %d", errSlotMismatch, in.Slot, slot)
	}
	for _, v := range []float32{in.MoveX, in.MoveY} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < -1 || f > 1 {
			return fmt.Errorf("%w: (%v, %v)", errBadMovement, in.MoveX, in.MoveY)
		}
	}
	return nil
}

// selectInput 从一个 Tick 内到达的命令中挑出最新的合法命令；
// 更早的合法命令被覆盖，非法或过期命令通过 discard 上报
func selectInput(slot int, cur inputCursor, cmds []protocol.InputCommand, discard func(protocol.InputCommand, error)) (protocol.InputCommand, bool) {
	var (
		latest protocol.InputCommand
		found  bool
	)
	for _, in := range cmds {
		if err := validateInput(slot, in); err != nil {
			discard(in, err)
			continue
		}
		if !cur.after(in.Tick) || (found && in.Tick <= latest.Tick) {
			discard(in, errStaleInput)
			continue
		}
		if found {
			discard(latest, nil) // 被覆盖，不计为错误
		}
		latest, found = in, true
	}
	return latest, found
}

func discardReason(err error) string {
	switch {
	case err == nil:
		return "superseded"
	case errors.Is(err, errStaleInput):
		return "stale"
	default:
		return "invalid"
	}
}

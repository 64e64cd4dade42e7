package protocol

// MessageType 线上消息标签（负载首字节）
type MessageType uint8

const (
	TypeJoinRequest MessageType = iota + 1
	TypeJoinAccepted
	TypeJoinRejected
	TypeInputCommand
	TypeWorldSnapshot
	TypePlayerLeft
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeJoinRequest:
		return "join_request"
	case TypeJoinAccepted:
		return "join_accepted"
	case TypeJoinRejected:
		return "join_rejected"
	case TypeInputCommand:
		return "input_command"
	case TypeWorldSnapshot:
		return "world_snapshot"
	case TypePlayerLeft:
		return "player_left"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// MaxSlots 同时在线的玩家席位数
const MaxSlots = 2

// Phase 服务端游戏阶段，随快照下发
type Phase uint8

const (
	PhaseWaiting Phase = iota
	PhaseRunning
	PhaseLevelComplete
	PhaseGameOver
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "WAITING_FOR_PLAYERS"
	case PhaseRunning:
		return "RUNNING"
	case PhaseLevelComplete:
		return "LEVEL_COMPLETE"
	case PhaseGameOver:
		return "GAME_OVER"
	default:
		return "UNKNOWN"
	}
}

// 错误码（Error 消息）
const (
	ErrCodeFraming    uint16 = 1
	ErrCodeProtocol   uint16 = 2
	ErrCodeUnexpected uint16 = 3
)

// RejectServerFull 满员拒绝原因
const RejectServerFull = "server full"

// Message 封闭的消息联合类型；只有本包内的类型能实现它
type Message interface {
	Type() MessageType
	encode(e *encoder)
}

// JoinRequest 客户端连接后的第一条消息
type JoinRequest struct{}

// JoinAccepted 加入成功，分配席位
type JoinAccepted struct {
	Slot uint8
}

// JoinRejected 加入失败及原因
type JoinRejected struct {
	Reason string
}

// InputCommand 客户端输入意图，由服务端在 Tick 中解释
type InputCommand struct {
	Slot  uint8
	MoveX float32 // -1..1
	MoveY float32 // -1..1
	Fire  bool
	Tick  uint32 // 客户端本地序号，严格递增
}

// PlayerState 快照中的玩家
type PlayerState struct {
	Slot      uint8
	ID        uint32
	X         float32
	Y         float32
	Health    int32
	MaxHealth int32
	Score     uint32
	Coins     uint32
}

// EnemyState 快照中的敌人
type EnemyState struct {
	ID     uint32
	Kind   uint8
	X      float32
	Y      float32
	Health int32
}

// BulletState 快照中的子弹
type BulletState struct {
	ID     uint32
	Owner  uint8
	X      float32
	Y      float32
	Damage int32
}

// WorldSnapshot 某一 Tick 的完整世界状态（客户端整体替换，不做增量）
// 列表为空时与 nil 等价，解码结果为 nil
type WorldSnapshot struct {
	Tick         uint32
	Phase        Phase
	LevelIndex   uint16
	LevelTimerMs uint32
	Players      []PlayerState
	Enemies      []EnemyState
	Bullets      []BulletState
}

// PlayerLeft 某席位玩家离开
type PlayerLeft struct {
	Slot uint8
}

// Error 协议错误通知（尽力发送，不重试）
type Error struct {
	Code uint16
	Text string
}

func (JoinRequest) Type() MessageType   { return TypeJoinRequest }
func (JoinAccepted) Type() MessageType  { return TypeJoinAccepted }
func (JoinRejected) Type() MessageType  { return TypeJoinRejected }
func (InputCommand) Type() MessageType  { return TypeInputCommand }
func (WorldSnapshot) Type() MessageType { return TypeWorldSnapshot }
func (PlayerLeft) Type() MessageType    { return TypePlayerLeft }
func (Error) Type() MessageType         { return TypeError }

// Package protocol 定義 link 連線的二進位協議
//
// 每個訊框由 1 位元組的指令碼開頭，後接該指令固定長度的內容：
//
//	伺服器方向                  客戶端方向
//	connect      = 1  (22)      didConnect      = 101 (0)
//	initialByte  = 2  (1)       pullByte        = 102 (1)
//	pushByte     = 3  (1)       pullByteStale   = 103 (1)
//	presentByte  = 4  (1)       commitStaleByte = 104 (0)
//	                            bytePushed      = 105 (1)
//
// 兩個方向共用 Decoder，各指令以 CommandDecoder 插入。
package protocol

import (
	"fmt"

	apperrors "github.com/koopa0/gblink/pkg/errors"
)

// KeySize connect 指令中金鑰的長度（128 位元無填充 base64）
const KeySize = 22

// DisconnectedByte 對方未連線時回應的位元組
const DisconnectedByte byte = 0xFF

// ServerCommand 客戶端送往伺服器的指令
type ServerCommand byte

const (
	CmdConnect     ServerCommand = 1
	CmdInitialByte ServerCommand = 2
	CmdPushByte    ServerCommand = 3
	CmdPresentByte ServerCommand = 4
)

func (c ServerCommand) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdInitialByte:
		return "initialByte"
	case CmdPushByte:
		return "pushByte"
	case CmdPresentByte:
		return "presentByte"
	default:
		return fmt.Sprintf("ServerCommand(%d)", byte(c))
	}
}

// ClientCommand 伺服器送往客戶端的指令
type ClientCommand byte

const (
	CmdDidConnect      ClientCommand = 101
	CmdPullByte        ClientCommand = 102
	CmdPullByteStale   ClientCommand = 103
	CmdCommitStaleByte ClientCommand = 104
	CmdBytePushed      ClientCommand = 105
)

func (c ClientCommand) String() string {
	switch c {
	case CmdDidConnect:
		return "didConnect"
	case CmdPullByte:
		return "pullByte"
	case CmdPullByteStale:
		return "pullByteStale"
	case CmdCommitStaleByte:
		return "commitStaleByte"
	case CmdBytePushed:
		return "bytePushed"
	default:
		return fmt.Sprintf("ClientCommand(%d)", byte(c))
	}
}

// hasByte 指令是否帶 1 位元組內容
func (c ClientCommand) hasByte() bool {
	switch c {
	case CmdPullByte, CmdPullByteStale, CmdBytePushed:
		return true
	}
	return false
}

// ServerMessage 伺服器方向的訊息
type ServerMessage struct {
	Command ServerCommand
	Key     string // 僅 connect
	Byte    byte
}

// Connect 建立 connect 訊息
func Connect(key string) ServerMessage {
	return ServerMessage{Command: CmdConnect, Key: key}
}

// InitialByte 建立 initialByte 訊息
func InitialByte(b byte) ServerMessage {
	return ServerMessage{Command: CmdInitialByte, Byte: b}
}

// PushByte 建立 pushByte 訊息
func PushByte(b byte) ServerMessage {
	return ServerMessage{Command: CmdPushByte, Byte: b}
}

// PresentByte 建立 presentByte 訊息
func PresentByte(b byte) ServerMessage {
	return ServerMessage{Command: CmdPresentByte, Byte: b}
}

// MarshalBinary 編碼為訊框
func (m ServerMessage) MarshalBinary() ([]byte, error) {
	switch m.Command {
	case CmdConnect:
		if len(m.Key) != KeySize {
			return nil, apperrors.ErrProtocolViolation.WithDetails(
				fmt.Sprintf("connect key must be %d bytes, got %d", KeySize, len(m.Key)))
		}
		return append([]byte{byte(CmdConnect)}, m.Key...), nil
	case CmdInitialByte, CmdPushByte, CmdPresentByte:
		return []byte{byte(m.Command), m.Byte}, nil
	default:
		return nil, apperrors.ErrUnrecognizedOpcode.WithDetails(m.Command.String())
	}
}

func (m ServerMessage) String() string {
	if m.Command == CmdConnect {
		return "connect"
	}
	return fmt.Sprintf("%s(0x%02X)", m.Command, m.Byte)
}

// ClientMessage 客戶端方向的訊息
type ClientMessage struct {
	Command ClientCommand
	Byte    byte
}

// DidConnect 連線成功
func DidConnect() ClientMessage {
	return ClientMessage{Command: CmdDidConnect}
}

// PullByte 對方已給出位元組
func PullByte(b byte) ClientMessage {
	return ClientMessage{Command: CmdPullByte, Byte: b}
}

// PullByteStale 對方沒有準備位元組，先以舊值回應
func PullByteStale(b byte) ClientMessage {
	return ClientMessage{Command: CmdPullByteStale, Byte: b}
}

// CommitStaleByte 先前收到的舊值成為正式結果
func CommitStaleByte() ClientMessage {
	return ClientMessage{Command: CmdCommitStaleByte}
}

// BytePushed 對方推送了位元組
func BytePushed(b byte) ClientMessage {
	return ClientMessage{Command: CmdBytePushed, Byte: b}
}

// MarshalBinary 編碼為訊框
func (m ClientMessage) MarshalBinary() ([]byte, error) {
	switch m.Command {
	case CmdDidConnect, CmdCommitStaleByte:
		return []byte{byte(m.Command)}, nil
	case CmdPullByte, CmdPullByteStale, CmdBytePushed:
		return []byte{byte(m.Command), m.Byte}, nil
	default:
		return nil, apperrors.ErrUnrecognizedOpcode.WithDetails(m.Command.String())
	}
}

func (m ClientMessage) String() string {
	if m.Command.hasByte() {
		return fmt.Sprintf("%s(0x%02X)", m.Command, m.Byte)
	}
	return m.Command.String()
}

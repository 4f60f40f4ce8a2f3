package protocol

import (
	"fmt"

	apperrors "github.com/koopa0/gblink/pkg/errors"
)

// CommandDecoder 單一指令的解碼器
//
// LengthFieldSize 為長度欄位的位元組數，固定長度的指令為 0。
// BodyLength 依長度欄位（可能為空）算出內容長度。
type CommandDecoder[M any] interface {
	LengthFieldSize() int
	BodyLength(lengthField []byte) (int, error)
	Decode(body []byte) (M, error)
}

// Lookup 依指令碼找出解碼器
type Lookup[M any] func(opcode byte) (CommandDecoder[M], bool)

type decodeState int

const (
	waitingForCommand decodeState = iota
	waitingForLength
	waitingForBody
)

// Decoder 增量訊框解碼器，每個連線方向各一個，不可並發使用
type Decoder[M any] struct {
	lookup Lookup[M]

	buf     []byte
	state   decodeState
	current CommandDecoder[M]
	opcode  byte
	bodyLen int
	err     error
}

// NewDecoder 建立解碼器
func NewDecoder[M any](lookup Lookup[M]) *Decoder[M] {
	return &Decoder[M]{lookup: lookup}
}

// Feed 寫入新收到的位元組，返回這次能完整解出的所有訊息。
// 發生錯誤後解碼器停止運作，之後的呼叫都返回同一個錯誤。
func (d *Decoder[M]) Feed(p []byte) ([]M, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var out []M
	for {
		msg, ok, err := d.step()
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, msg)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered 尚未組成完整訊框的位元組數
func (d *Decoder[M]) Buffered() int {
	n := len(d.buf)
	if d.state != waitingForCommand {
		// 指令碼已從緩衝區取出
		n++
	}
	return n
}

// Finish 在串流結束時呼叫，還有未完成的訊框則返回 ErrTruncatedFrame
func (d *Decoder[M]) Finish() error {
	if d.err != nil {
		return d.err
	}
	if n := d.Buffered(); n > 0 {
		return apperrors.ErrTruncatedFrame.WithDetails(fmt.Sprintf("%d bytes pending", n))
	}
	return nil
}

// step 推進狀態機直到完成一個訊息或資料不足
func (d *Decoder[M]) step() (M, bool, error) {
	var zero M
	for {
		switch d.state {
		case waitingForCommand:
			if len(d.buf) < 1 {
				return zero, false, nil
			}
			d.opcode = d.buf[0]
			dec, found := d.lookup(d.opcode)
			if !found {
				return zero, false, apperrors.ErrUnrecognizedOpcode.WithDetails(fmt.Sprintf("opcode %d", d.opcode))
			}
			d.buf = d.buf[1:]
			d.current = dec
			d.state = waitingForLength

		case waitingForLength:
			n := d.current.LengthFieldSize()
			if len(d.buf) < n {
				return zero, false, nil
			}
			bodyLen, err := d.current.BodyLength(d.buf[:n])
			if err != nil {
				return zero, false, fmt.Errorf("opcode %d: %w", d.opcode, err)
			}
			d.buf = d.buf[n:]
			d.bodyLen = bodyLen
			d.state = waitingForBody

		case waitingForBody:
			if len(d.buf) < d.bodyLen {
				return zero, false, nil
			}
			body := d.buf[:d.bodyLen]
			d.buf = d.buf[d.bodyLen:]

			dec := d.current
			d.current = nil
			d.state = waitingForCommand

			msg, err := dec.Decode(body)
			if err != nil {
				return zero, false, fmt.Errorf("opcode %d: %w", d.opcode, err)
			}
			return msg, true, nil
		}
	}
}

// Fixed 固定長度指令的解碼器
type Fixed[M any] struct {
	Size int
	Fn   func(body []byte) (M, error)
}

func (f Fixed[M]) LengthFieldSize() int { return 0 }

func (f Fixed[M]) BodyLength([]byte) (int, error) { return f.Size, nil }

func (f Fixed[M]) Decode(body []byte) (M, error) { return f.Fn(body) }

var serverDecoders = map[byte]CommandDecoder[ServerMessage]{
	byte(CmdConnect): Fixed[ServerMessage]{Size: KeySize, Fn: func(body []byte) (ServerMessage, error) {
		return Connect(string(body)), nil
	}},
	byte(CmdInitialByte): byteCommand(InitialByte),
	byte(CmdPushByte):    byteCommand(PushByte),
	byte(CmdPresentByte): byteCommand(PresentByte),
}

var clientDecoders = map[byte]CommandDecoder[ClientMessage]{
	byte(CmdDidConnect):      emptyCommand(DidConnect),
	byte(CmdPullByte):        byteCommand(PullByte),
	byte(CmdPullByteStale):   byteCommand(PullByteStale),
	byte(CmdCommitStaleByte): emptyCommand(CommitStaleByte),
	byte(CmdBytePushed):      byteCommand(BytePushed),
}

func byteCommand[M any](build func(byte) M) Fixed[M] {
	return Fixed[M]{Size: 1, Fn: func(body []byte) (M, error) {
		return build(body[0]), nil
	}}
}

func emptyCommand[M any](build func() M) Fixed[M] {
	return Fixed[M]{Size: 0, Fn: func([]byte) (M, error) {
		return build(), nil
	}}
}

// NewServerDecoder 解碼客戶端送來的指令
func NewServerDecoder() *Decoder[ServerMessage] {
	return NewDecoder[ServerMessage](func(op byte) (CommandDecoder[ServerMessage], bool) {
		dec, ok := serverDecoders[op]
		return dec, ok
	})
}

// NewClientDecoder 解碼伺服器送來的指令
func NewClientDecoder() *Decoder[ClientMessage] {
	return NewDecoder[ClientMessage](func(op byte) (CommandDecoder[ClientMessage], bool) {
		dec, ok := clientDecoders[op]
		return dec, ok
	})
}

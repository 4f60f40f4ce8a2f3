// Package keygen 產生房間碼與連線金鑰
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// RoomCodeAlphabet 房間碼字元集，去除容易混淆的 I、O、0、1
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// RoomCodeBits 房間碼的隨機位元數
	RoomCodeBits = 32
	// KeyBits 連線金鑰與裝置 ID 的隨機位元數
	KeyBits = 128

	// RoomCodeLength 32 位元編碼後的長度（尾端不足 5 位元的部分捨棄）
	RoomCodeLength = RoomCodeBits / 5
	// KeyLength 128 位元無填充 base64 的長度
	KeyLength = (KeyBits + 5) / 6
)

// Generator 隨機碼產生器
type Generator interface {
	RoomCode() (string, error)
	Key() (string, error)
}

// Random 以密碼學安全亂數產生
type Random struct {
	src io.Reader
}

// New 使用 crypto/rand
func New() *Random {
	return &Random{src: rand.Reader}
}

// NewWithReader 使用指定亂數來源，測試用
func NewWithReader(r io.Reader) *Random {
	return &Random{src: r}
}

// RoomCode 產生 6 字元的房間碼
func (g *Random) RoomCode() (string, error) {
	buf := make([]byte, RoomCodeBits/8)
	if _, err := io.ReadFull(g.src, buf); err != nil {
		return "", fmt.Errorf("讀取亂數失敗: %w", err)
	}
	return EncodeBase32(buf), nil
}

// Key 產生 22 字元的連線金鑰
func (g *Random) Key() (string, error) {
	buf := make([]byte, KeyBits/8)
	if _, err := io.ReadFull(g.src, buf); err != nil {
		return "", fmt.Errorf("讀取亂數失敗: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// EncodeBase32 以 RoomCodeAlphabet 編碼，高位元在前，每 5 位元一個字元。
// 最後不足 5 位元的部分直接捨棄，沒有填充。
func EncodeBase32(data []byte) string {
	out := make([]byte, 0, len(data)*8/5)

	var pending uint16
	bits := 0
	for _, b := range data {
		pending = pending<<8 | uint16(b)
		bits += 8

		for bits >= 5 {
			bits -= 5
			out = append(out, RoomCodeAlphabet[(pending>>bits)&0x1F])
		}
	}

	return string(out)
}

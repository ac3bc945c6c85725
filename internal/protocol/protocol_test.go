// =============================================================================
// 文件: internal/protocol/protocol_test.go
// =============================================================================

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

func TestEncodeTokenLayout(t *testing.T) {
	f := &tokenbus.Frame{
		Type:    tokenbus.FrameToken,
		Src:     2,
		Dst:     tokenbus.Broadcast,
		TokenID: 0x01020304,
		Resend:  true,
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(data) != HeaderSize+ChecksumSize {
		t.Fatalf("长度不匹配: got %d, want %d", len(data), HeaderSize+ChecksumSize)
	}

	want := []byte{
		TypeToken,
		FlagResend,
		0x00, 0x02, // Src
		0xFF, 0xFF, // Dst = 广播
		0x01, 0x02, 0x03, 0x04, // TokenID
		0x00, 0x00, // PayloadLen
	}
	if !bytes.Equal(data[:HeaderSize], want) {
		t.Errorf("帧头不匹配: got % X, want % X", data[:HeaderSize], want)
	}
}

func TestRoundTripData(t *testing.T) {
	f := &tokenbus.Frame{
		Type:     tokenbus.FrameData,
		Src:      1,
		Dst:      0,
		TokenID:  7,
		Priority: true,
		Payload:  []byte("hello world"),
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(data) != EncodedLen(f) {
		t.Errorf("EncodedLen 不匹配: got %d, want %d", EncodedLen(f), len(data))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if got.Type != f.Type || got.Src != 1 || got.Dst != 0 || got.TokenID != 7 {
		t.Errorf("帧头不匹配: %s", got)
	}
	if !got.Priority || got.Resend {
		t.Errorf("标志位不匹配: priority=%v resend=%v", got.Priority, got.Resend)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("Payload 不匹配: got %q, want %q", got.Payload, f.Payload)
	}
	if got.Ranging != nil {
		t.Error("数据帧不应携带测距载荷")
	}
}

func TestRoundTripRanging(t *testing.T) {
	f := &tokenbus.Frame{
		Type:    tokenbus.FrameToken,
		Src:     0,
		Dst:     tokenbus.Broadcast,
		TokenID: 65534,
		Ranging: &tokenbus.RangingPayload{
			TokenHold: 1.25,
			Times:     []float64{0.4, tokenbus.InvalidTime, 0.3125},
		},
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if want := HeaderSize + RangingHeaderSize + 3*4 + ChecksumSize; len(data) != want {
		t.Errorf("长度不匹配: got %d, want %d", len(data), want)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if got.Ranging == nil {
		t.Fatal("测距载荷丢失")
	}
	if got.Ranging.TokenHold != 1.25 {
		t.Errorf("TokenHold 不匹配: got %v, want 1.25", got.Ranging.TokenHold)
	}
	for i, want := range f.Ranging.Times {
		if math.Abs(got.Ranging.Times[i]-want) > 1e-6 {
			t.Errorf("Times[%d] 不匹配: got %v, want %v", i, got.Ranging.Times[i], want)
		}
	}
	if got.Ranging.Times[1] != tokenbus.InvalidTime {
		t.Errorf("无效标记应精确保留: %v", got.Ranging.Times[1])
	}
}

func TestRangingPrecision(t *testing.T) {
	const relTol = 1.0 / (1 << 24)

	t.Run("单精度量化误差有界", func(t *testing.T) {
		f := &tokenbus.Frame{
			Type:    tokenbus.FrameToken,
			Dst:     tokenbus.Broadcast,
			TokenID: 7,
			Ranging: &tokenbus.RangingPayload{
				TokenHold: 123456.789,
				Times:     []float64{1e-3 / 3, 0.1, 3600.123456789},
			},
		}
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("编码失败: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("解码失败: %v", err)
		}
		check := func(name string, got, want float64) {
			if rel := math.Abs(got-want) / math.Abs(want); rel > relTol {
				t.Errorf("%s 相对误差过大: got %v, want %v (rel %g)", name, got, want, rel)
			}
		}
		check("TokenHold", got.Ranging.TokenHold, f.Ranging.TokenHold)
		for i, want := range f.Ranging.Times {
			check("Times", got.Ranging.Times[i], want)
		}

		// 量化后的值再次编码不再变化
		again, err := Encode(got)
		if err != nil {
			t.Fatalf("再次编码失败: %v", err)
		}
		if !bytes.Equal(again, data) {
			t.Error("解码结果再次编码应得到相同字节")
		}
	})

	t.Run("可表示值精确保留", func(t *testing.T) {
		f := &tokenbus.Frame{
			Type:    tokenbus.FrameToken,
			Dst:     tokenbus.Broadcast,
			TokenID: 8,
			Ranging: &tokenbus.RangingPayload{
				TokenHold: 1024.25,
				Times:     []float64{0.5, 0.3125, tokenbus.InvalidTime},
			},
		}
		data, err := Encode(f)
		if err != nil {
			t.Fatalf("编码失败: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("解码失败: %v", err)
		}
		if got.Ranging.TokenHold != f.Ranging.TokenHold {
			t.Errorf("TokenHold 不匹配: got %v, want %v", got.Ranging.TokenHold, f.Ranging.TokenHold)
		}
		for i, want := range f.Ranging.Times {
			if got.Ranging.Times[i] != want {
				t.Errorf("Times[%d] 不匹配: got %v, want %v", i, got.Ranging.Times[i], want)
			}
		}
	})
}

func TestDecodeChecksum(t *testing.T) {
	f := &tokenbus.Frame{Type: tokenbus.FrameToken, Src: 1, Dst: tokenbus.Broadcast, TokenID: 3}
	data, _ := Encode(f)

	for i := range data {
		corrupted := append([]byte(nil), data...)
		corrupted[i] ^= 0x5A
		if _, err := Decode(corrupted); !errors.Is(err, ErrChecksum) {
			t.Errorf("翻转第 %d 字节: err = %v, want ErrChecksum", i, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	seal := func(body []byte) []byte {
		out := make([]byte, len(body)+ChecksumSize)
		copy(out, body)
		binary.BigEndian.PutUint64(out[len(body):], checksum(body))
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"太短", []byte{TypeToken, 0}},
		{"未知类型", seal([]byte{0x09, 0, 0, 1, 0, 2, 0, 0, 0, 1, 0, 0})},
		{"载荷越界", seal([]byte{TypeData, 0, 0, 1, 0, 2, 0, 0, 0, 1, 0, 9})},
		{"测距不完整", seal([]byte{TypeToken, FlagRanging, 0, 1, 0, 2, 0, 0, 0, 1, 0, 0, 0, 0})},
		{"多余字节", seal([]byte{TypeToken, 0, 0, 1, 0, 2, 0, 0, 0, 1, 0, 0, 0xAA})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		f    *tokenbus.Frame
	}{
		{"未知类型", &tokenbus.Frame{Type: 9}},
		{"地址越界", &tokenbus.Frame{Type: tokenbus.FrameData, Src: -5}},
		{"测距条目过多", &tokenbus.Frame{
			Type:    tokenbus.FrameToken,
			Ranging: &tokenbus.RangingPayload{Times: make([]float64, MaxRangingTimes+1)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.f); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

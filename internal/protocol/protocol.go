// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 链路帧编解码 - 帧头、数据、测距载荷与 xxhash 校验
// =============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/mrcgq/tokenbus/internal/tokenbus"
)

// 帧类型
const (
	TypeData  = 0x01
	TypeToken = 0x02
)

// 标志位
const (
	FlagResend   = 0x01
	FlagPriority = 0x02
	FlagRanging  = 0x04
)

const (
	// HeaderSize 帧头大小
	// Type(1) + Flags(1) + Src(2) + Dst(2) + TokenID(4) + PayloadLen(2) = 12
	HeaderSize = 12

	// RangingHeaderSize 测距载荷头: Hold(4) + Count(1)
	RangingHeaderSize = 5

	// ChecksumSize xxhash64 校验
	ChecksumSize = 8

	// MaxPayloadSize 数据载荷上限
	MaxPayloadSize = math.MaxUint16

	// MaxRangingTimes 单帧携带的测距条目上限
	MaxRangingTimes = math.MaxUint8

	// BroadcastAddr 广播地址的线上表示
	BroadcastAddr = 0xFFFF
)

var (
	// ErrChecksum 校验失败，信道将其视为损坏帧
	ErrChecksum = errors.New("protocol: 校验和不匹配")
	// ErrMalformed 帧格式错误
	ErrMalformed = errors.New("protocol: 帧格式错误")
)

// EncodedLen 编码后的字节数，用于计算发送时长
func EncodedLen(f *tokenbus.Frame) int {
	n := HeaderSize + len(f.Payload) + ChecksumSize
	if f.Ranging != nil {
		n += RangingHeaderSize + 4*len(f.Ranging.Times)
	}
	return n
}

// Encode 编码帧
// 格式: Header(12) + Payload(N) + [Hold(4) + Count(1) + Times(4*Count)] + Checksum(8)
//
// Hold 与 Times 以 IEEE-754 单精度写入，解码后相对误差不超过 2^-24 (约 6e-8)，
// 可精确表示为 float32 的值 (包括 InvalidTime) 原样保留。再次编码解码结果得到相同字节。
// 线上时长按此长度计算，改为双精度会改变令牌帧长度。
func Encode(f *tokenbus.Frame) ([]byte, error) {
	var typ byte
	switch f.Type {
	case tokenbus.FrameData:
		typ = TypeData
	case tokenbus.FrameToken:
		typ = TypeToken
	default:
		return nil, fmt.Errorf("%w: 未知帧类型 %d", ErrMalformed, f.Type)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: 载荷过长 %d", ErrMalformed, len(f.Payload))
	}
	if f.Ranging != nil && len(f.Ranging.Times) > MaxRangingTimes {
		return nil, fmt.Errorf("%w: 测距条目过多 %d", ErrMalformed, len(f.Ranging.Times))
	}
	src, err := encodeAddr(f.Src)
	if err != nil {
		return nil, err
	}
	dst, err := encodeAddr(f.Dst)
	if err != nil {
		return nil, err
	}

	var flags byte
	if f.Resend {
		flags |= FlagResend
	}
	if f.Priority {
		flags |= FlagPriority
	}
	if f.Ranging != nil {
		flags |= FlagRanging
	}

	buf := make([]byte, EncodedLen(f))
	buf[0] = typ
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], src)
	binary.BigEndian.PutUint16(buf[4:6], dst)
	binary.BigEndian.PutUint32(buf[6:10], uint32(f.TokenID))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(f.Payload)))
	off := HeaderSize + copy(buf[HeaderSize:], f.Payload)

	if r := f.Ranging; r != nil {
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(r.TokenHold)))
		buf[off+4] = byte(len(r.Times))
		off += RangingHeaderSize
		for _, v := range r.Times {
			binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
			off += 4
		}
	}

	binary.BigEndian.PutUint64(buf[off:], checksum(buf[:off]))
	return buf, nil
}

// Decode 解码帧，先校验再解析
func Decode(data []byte) (*tokenbus.Frame, error) {
	if len(data) < HeaderSize+ChecksumSize {
		return nil, fmt.Errorf("%w: 帧太短 %d < %d", ErrMalformed, len(data), HeaderSize+ChecksumSize)
	}
	body := data[:len(data)-ChecksumSize]
	if checksum(body) != binary.BigEndian.Uint64(data[len(body):]) {
		return nil, ErrChecksum
	}

	f := &tokenbus.Frame{}
	switch body[0] {
	case TypeData:
		f.Type = tokenbus.FrameData
	case TypeToken:
		f.Type = tokenbus.FrameToken
	default:
		return nil, fmt.Errorf("%w: 未知类型 0x%02X", ErrMalformed, body[0])
	}
	flags := body[1]
	f.Resend = flags&FlagResend != 0
	f.Priority = flags&FlagPriority != 0
	f.Src = decodeAddr(binary.BigEndian.Uint16(body[2:4]))
	f.Dst = decodeAddr(binary.BigEndian.Uint16(body[4:6]))
	f.TokenID = tokenbus.TokenID(binary.BigEndian.Uint32(body[6:10]))

	payloadLen := int(binary.BigEndian.Uint16(body[10:12]))
	off := HeaderSize
	if len(body) < off+payloadLen {
		return nil, fmt.Errorf("%w: 载荷长度 %d 超出帧长", ErrMalformed, payloadLen)
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), body[off:off+payloadLen]...)
	}
	off += payloadLen

	if flags&FlagRanging != 0 {
		if len(body) < off+RangingHeaderSize {
			return nil, fmt.Errorf("%w: 测距载荷不完整", ErrMalformed)
		}
		r := &tokenbus.RangingPayload{
			TokenHold: float64(math.Float32frombits(binary.BigEndian.Uint32(body[off:]))),
		}
		count := int(body[off+4])
		off += RangingHeaderSize
		if len(body) < off+4*count {
			return nil, fmt.Errorf("%w: 测距条目 %d 超出帧长", ErrMalformed, count)
		}
		r.Times = make([]float64, count)
		for i := range r.Times {
			r.Times[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(body[off:])))
			off += 4
		}
		f.Ranging = r
	}

	if off != len(body) {
		return nil, fmt.Errorf("%w: 多余 %d 字节", ErrMalformed, len(body)-off)
	}
	return f, nil
}

func checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func encodeAddr(a int) (uint16, error) {
	if a == tokenbus.Broadcast {
		return BroadcastAddr, nil
	}
	if a < 0 || a >= BroadcastAddr {
		return 0, fmt.Errorf("%w: 地址越界 %d", ErrMalformed, a)
	}
	return uint16(a), nil
}

func decodeAddr(a uint16) int {
	if a == BroadcastAddr {
		return tokenbus.Broadcast
	}
	return int(a)
}

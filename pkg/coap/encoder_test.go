package coap

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncoder_RoundTrip 验证各类合法消息编码后再解码与原消息完全一致
func TestEncoder_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "CON GET 带4字节令牌与路径",
			msg: &Message{
				Type:      Confirmable,
				Code:      codes.GET,
				MessageID: 0x1234,
				Token:     []byte{0x01, 0x02, 0x03, 0x04},
				Options: []Option{
					{ID: OptionURIPath, Value: []byte("led-status")},
				},
			},
		},
		{
			name: "NON POST 无令牌",
			msg: &Message{
				Type:      NonConfirmable,
				Code:      codes.POST,
				MessageID: 0x5678,
			},
		},
		{
			name: "ACK 2.05 8字节令牌与JSON负载",
			msg: &Message{
				Type:      Acknowledgement,
				Code:      codes.Content,
				MessageID: 0x9ABC,
				Token:     []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
				Options: []Option{
					{ID: OptionContentFormat, Value: []byte{byte(message.AppJSON)}},
				},
				Payload: []byte(`{"redLed":true}`),
			},
		},
		{
			name: "空ACK",
			msg:  &Message{Type: Acknowledgement, Code: codes.Empty, MessageID: 7},
		},
		{
			name: "RST",
			msg:  &Message{Type: Reset, Code: codes.Empty, MessageID: 0xFFFF},
		},
		{
			name: "13与269边界的选项号和长度",
			msg: &Message{
				Type:      Confirmable,
				Code:      codes.PUT,
				MessageID: 1,
				Options: []Option{
					{ID: 12, Value: bytes.Repeat([]byte{'a'}, 12)},
					{ID: 25, Value: bytes.Repeat([]byte{'b'}, 13)},
					{ID: 294, Value: bytes.Repeat([]byte{'c'}, 268)},
					{ID: 563, Value: bytes.Repeat([]byte{'d'}, 269)},
					{ID: 65535, Value: bytes.Repeat([]byte{'e'}, 1000)},
				},
				Payload: []byte{0x00, 0xFF, 0x01},
			},
		},
		{
			name: "重复选项号与空值选项",
			msg: &Message{
				Type:      NonConfirmable,
				Code:      codes.GET,
				MessageID: 42,
				Token:     []byte{0xAA},
				Options: []Option{
					{ID: OptionURIPath, Value: []byte("a")},
					{ID: OptionURIPath, Value: []byte("b")},
					{ID: OptionURIPath, Value: nil},
					{ID: OptionURIQuery, Value: []byte("x=1")},
				},
			},
		},
	}

	encoder := NewEncoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encoder.Encode(tt.msg)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(data), 4)

			decoded, err := encoder.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)

			// 再编码结果与第一次完全一致
			again, err := encoder.Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

// TestEncoder_OptionOrder 验证乱序选项按选项号稳定排序，且不修改调用方的切片
func TestEncoder_OptionOrder(t *testing.T) {
	encoder := NewEncoder()
	msg := &Message{Type: Confirmable, Code: codes.GET, MessageID: 9}
	msg.AddOption(OptionURIQuery, []byte("q"))
	msg.AddOption(OptionURIPath, []byte("first"))
	msg.AddOption(OptionURIHost, []byte("host"))
	msg.AddOption(OptionURIPath, []byte("second"))
	original := append([]Option(nil), msg.Options...)

	data, err := encoder.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, original, msg.Options, "编码不应修改输入选项")

	decoded, err := encoder.Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded.Options, 4)
	assert.Equal(t, OptionURIHost, decoded.Options[0].ID)
	assert.Equal(t, "/first/second", decoded.Path())
	assert.Equal(t, OptionURIQuery, decoded.Options[3].ID)
}

// TestEncoder_KnownBytes 与RFC 7252格式逐字节对照
func TestEncoder_KnownBytes(t *testing.T) {
	msg := &Message{
		Type:      Confirmable,
		Code:      codes.GET,
		MessageID: 0x7d34,
		Token:     []byte{0xAB},
	}
	msg.SetPath("/sensors")

	data, err := NewEncoder().Encode(msg)
	require.NoError(t, err)
	want := append([]byte{0x41, 0x01, 0x7d, 0x34, 0xAB, 0xB7}, []byte("sensors")...)
	assert.Equal(t, want, data)
}

// TestEncoder_DecodeMalformed 畸形报文全部返回*DecodeError
func TestEncoder_DecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "空数据", data: nil},
		{name: "头部不足4字节", data: []byte{0x40, 0x01, 0x00}},
		{name: "版本为0", data: []byte{0x00, 0x01, 0x00, 0x01}},
		{name: "版本为2", data: []byte{0x80, 0x01, 0x00, 0x01}},
		{name: "令牌长度9", data: []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{name: "令牌长度15", data: []byte{0x4F, 0x01, 0x00, 0x01}},
		{name: "令牌被截断", data: []byte{0x44, 0x01, 0x00, 0x01, 0xAA, 0xBB}},
		{name: "空消息带令牌", data: []byte{0x41, 0x00, 0x00, 0x01, 0xAA}},
		{name: "空消息带负载", data: []byte{0x60, 0x00, 0x00, 0x01, 0xFF, 0x01}},
		{name: "delta为保留值15", data: []byte{0x40, 0x01, 0x00, 0x01, 0xF1, 0x00}},
		{name: "长度为保留值15", data: []byte{0x40, 0x01, 0x00, 0x01, 0x1F, 0x00}},
		{name: "1字节扩展delta被截断", data: []byte{0x40, 0x01, 0x00, 0x01, 0xD0}},
		{name: "2字节扩展长度被截断", data: []byte{0x40, 0x01, 0x00, 0x01, 0x1E, 0x01}},
		{name: "选项值被截断", data: []byte{0x40, 0x01, 0x00, 0x01, 0xB5, 's', 'e'}},
		{name: "选项号溢出", data: []byte{0x40, 0x01, 0x00, 0x01, 0xE0, 0xFF, 0xFF, 0xE0, 0xFF, 0xFF}},
		{name: "负载分隔符后无负载", data: []byte{0x40, 0x01, 0x00, 0x01, 0xFF}},
		{name: "选项后负载分隔符无负载", data: []byte{0x40, 0x01, 0x00, 0x01, 0xB1, 'a', 0xFF}},
	}

	encoder := NewEncoder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := encoder.Decode(tt.data)
			require.Error(t, err)
			assert.Nil(t, msg)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "错误类型应为*DecodeError: %v", err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// TestEncoder_EncodeInvalid 编码前的合法性校验
func TestEncoder_EncodeInvalid(t *testing.T) {
	encoder := NewEncoder()

	_, err := encoder.Encode(nil)
	assert.Error(t, err)

	_, err = encoder.Encode(&Message{Type: 4, Code: codes.GET})
	assert.Error(t, err, "类型超出2位")

	_, err = encoder.Encode(&Message{Type: Confirmable, Code: codes.GET, Token: make([]byte, 9)})
	assert.Error(t, err, "令牌超过8字节")

	_, err = encoder.Encode(&Message{Type: Confirmable, Code: codes.Code(0x100)})
	assert.Error(t, err, "消息码超出8位")

	_, err = encoder.Encode(&Message{Type: Confirmable, Code: codes.Empty, Token: []byte{1}})
	assert.Error(t, err, "空消息不能带令牌")

	tooLong := &Message{Type: NonConfirmable, Code: codes.POST}
	tooLong.AddOption(OptionURIQuery, make([]byte, MaxOptionValueLength+1))
	_, err = encoder.Encode(tooLong)
	var optErr *OptionEncodingError
	require.True(t, errors.As(err, &optErr))
	assert.Equal(t, OptionURIQuery, optErr.ID)
}

func TestMessage_Helpers(t *testing.T) {
	msg := &Message{Type: Confirmable, Code: codes.GET}
	assert.Equal(t, "/", msg.Path())

	msg.SetPath("/a//b/")
	assert.Equal(t, "/a/b", msg.Path())
	msg.SetPath("sensors")
	assert.Equal(t, "/sensors", msg.Path())

	_, ok := msg.ContentFormat()
	assert.False(t, ok)
	msg.SetContentFormat(message.AppJSON)
	mt, ok := msg.ContentFormat()
	assert.True(t, ok)
	assert.Equal(t, message.AppJSON, mt)

	assert.True(t, msg.IsRequest())
	assert.False(t, msg.IsResponse())
	assert.True(t, (&Message{Code: codes.NotFound}).IsResponse())
	assert.True(t, (&Message{Code: codes.Empty}).IsEmpty())
}

func TestEncodeDecodeUint(t *testing.T) {
	for _, v := range []uint32{0, 1, 50, 255, 256, 65535, 65536, 1 << 24, 0xFFFFFFFF} {
		assert.Equal(t, v, DecodeUint(EncodeUint(v)))
	}
	assert.Nil(t, EncodeUint(0))
	assert.Equal(t, []byte{0x01, 0x00}, EncodeUint(256))
}

// 跨越delta/长度扩展边界（12/13、268/269）的取值
var nibbleBoundaries = []int{0, 1, 12, 13, 14, 268, 269, 270, 1000}

// randomMessage 生成一个合法的随机消息，选项按选项号升序以便与解码结果直接比较
func randomMessage(r *rand.Rand) *Message {
	msg := &Message{
		Type:      Type(r.Intn(4)),
		Code:      codes.Code(r.Intn(256)),
		MessageID: uint16(r.Intn(1 << 16)),
	}
	if msg.Code == codes.Empty {
		return msg
	}
	if n := r.Intn(MaxTokenLength + 1); n > 0 {
		msg.Token = make([]byte, n)
		r.Read(msg.Token)
	}

	id := 0
	for i := r.Intn(7); i > 0; i-- {
		id += nibbleBoundaries[r.Intn(len(nibbleBoundaries))]
		if id > 0xFFFF {
			break
		}
		opt := Option{ID: OptionID(id)}
		if n := nibbleBoundaries[r.Intn(len(nibbleBoundaries))]; n > 0 {
			opt.Value = make([]byte, n)
			r.Read(opt.Value)
		}
		msg.Options = append(msg.Options, opt)
	}

	if n := []int{0, 1, 5, 300}[r.Intn(4)]; n > 0 {
		msg.Payload = make([]byte, n)
		r.Read(msg.Payload)
	}
	return msg
}

// TestEncoder_RandomRoundTrip 随机生成的合法消息编码后解码保持不变
func TestEncoder_RandomRoundTrip(t *testing.T) {
	encoder := NewEncoder()
	r := rand.New(rand.NewSource(20240517))
	for i := 0; i < 2000; i++ {
		msg := randomMessage(r)
		data, err := encoder.Encode(msg)
		require.NoError(t, err, "第%d条: %v", i, msg)

		decoded, err := encoder.Decode(data)
		require.NoError(t, err, "第%d条: %v", i, msg)
		require.Equal(t, msg, decoded, "第%d条", i)
	}
}

// FuzzDecode 任意输入都不能导致panic：失败时必须是*DecodeError，成功时再编码得到原字节
func FuzzDecode(f *testing.F) {
	encoder := NewEncoder()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 32; i++ {
		data, err := encoder.Encode(randomMessage(r))
		require.NoError(f, err)
		f.Add(data)
	}
	for _, seed := range [][]byte{
		{},
		{0x40},
		{0x40, 0x00, 0x00, 0x01},
		{0x49, 0x01, 0x00, 0x01},
		{0x44, 0x01, 0x00, 0x01, 0xAA},
		{0x40, 0x01, 0x00, 0x01, 0xFF},
		{0x40, 0x01, 0x00, 0x01, 0xD1},
		{0x40, 0x01, 0x00, 0x01, 0xE0, 0x01},
		{0x40, 0x01, 0x00, 0x01, 0xF0},
		{0x40, 0x01, 0x00, 0x01, 0x0F},
		{0x40, 0x01, 0x00, 0x01, 0xE0, 0xFF, 0xFF, 0xE0, 0xFF, 0xFF},
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := encoder.Decode(data)
		if err != nil {
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("错误类型应为*DecodeError: %T %v", err, err)
			}
			return
		}
		again, err := encoder.Encode(msg)
		if err != nil {
			t.Fatalf("解码成功的消息无法再编码: %v", err)
		}
		if !bytes.Equal(data, again) {
			t.Fatalf("再编码结果不一致:\n输入 %x\n输出 %x", data, again)
		}
		decoded, err := encoder.Decode(again)
		if err != nil {
			t.Fatalf("再解码失败: %v", err)
		}
		assert.Equal(t, msg, decoded)
	})
}

func BenchmarkEncoder_Encode(b *testing.B) {
	encoder := NewEncoder()
	msg := &Message{
		Type:      Confirmable,
		Code:      codes.Content,
		MessageID: 1,
		Token:     []byte{1, 2, 3, 4},
		Payload:   []byte(`{"timestamp":"2024-01-01 00:00:00","temperature":21.5,"humidity":40,"lightLevel":300,"binLevel":null}`),
	}
	msg.SetContentFormat(message.AppJSON)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := encoder.Encode(msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncoder_Decode(b *testing.B) {
	encoder := NewEncoder()
	msg := &Message{Type: Confirmable, Code: codes.GET, MessageID: 1, Token: []byte{1, 2, 3, 4}}
	msg.SetPath("/led-status")
	data, err := encoder.Encode(msg)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := encoder.Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}

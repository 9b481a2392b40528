// 提供CoAP消息（RFC 7252）的编码与解码功能
package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// CoAP消息格式相关常量
const (
	// Version1 CoAP协议版本（仅支持v1）
	Version1 = 1

	// MaxTokenLength 令牌最大长度（字节）
	MaxTokenLength = 8

	// MaxOptionValueLength 单个选项值的最大可编码长度（14扩展：65535+269）
	MaxOptionValueLength = 65535 + 269

	// PayloadMarker 负载分隔符：用于区分选项与负载的边界
	PayloadMarker = 0xFF

	headerSize = 4
)

// Type CoAP消息类型（2位）
type Type uint8

const (
	Confirmable     Type = 0 // 确认型消息（CON）：需接收方回复ACK确认
	NonConfirmable  Type = 1 // 非确认型消息（NON）：无需回复
	Acknowledgement Type = 2 // 确认消息（ACK）：用于回复CON类型消息
	Reset           Type = 3 // 重置消息（RST）：告知发送方消息无法处理
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// OptionID 选项号，沿用go-coap的定义
type OptionID = message.OptionID

// 本节点用到的标准选项号
const (
	OptionIfMatch       = message.IfMatch
	OptionURIHost       = message.URIHost
	OptionETag          = message.ETag
	OptionURIPort       = message.URIPort
	OptionLocationPath  = message.LocationPath
	OptionURIPath       = message.URIPath
	OptionContentFormat = message.ContentFormat
	OptionMaxAge        = message.MaxAge
	OptionURIQuery      = message.URIQuery
	OptionAccept        = message.Accept
)

// Option 表示一个CoAP选项（选项号+选项值）
type Option struct {
	ID    OptionID // 选项号
	Value []byte   // 选项值，空值统一为nil
}

// Message 解码后的CoAP消息
type Message struct {
	Type      Type       // 消息类型
	Code      codes.Code // 请求方法或响应码，必须能用8位表示
	MessageID uint16     // 消息ID（按对端区分）
	Token     []byte     // 令牌（0-8字节），空令牌统一为nil
	Options   []Option   // 选项列表
	Payload   []byte     // 负载，无负载时为nil
}

// Encoder 处理CoAP消息的编码（结构体→字节流）与解码（字节流→结构体）
// 无状态，可并发使用
type Encoder struct{}

// NewEncoder 创建一个新的CoAP编解码器实例
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode 将CoAP消息编码为网络传输用的字节流
// 选项按选项号稳定排序后编码，不修改msg本身
func (e *Encoder) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("消息不能为空")
	}
	if err := e.validateMessage(msg); err != nil {
		return nil, err
	}

	size := headerSize + len(msg.Token)
	for _, opt := range msg.Options {
		size += 5 + len(opt.Value)
	}
	if len(msg.Payload) > 0 {
		size += 1 + len(msg.Payload)
	}
	buf := make([]byte, headerSize, size)

	// 1. 头部：版本(2位) | 类型(2位) | 令牌长度(4位) | 消息码(8位) | 消息ID(16位)
	buf[0] = Version1<<6 | byte(msg.Type)<<4 | byte(len(msg.Token))
	buf[1] = byte(msg.Code)
	binary.BigEndian.PutUint16(buf[2:], msg.MessageID)

	// 2. 令牌
	buf = append(buf, msg.Token...)

	// 3. 选项（delta编码）
	var err error
	if buf, err = e.encodeOptions(buf, msg.Options); err != nil {
		return nil, err
	}

	// 4. 负载（非空时先写入分隔符）
	if len(msg.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, msg.Payload...)
	}
	return buf, nil
}

// Decode 将字节流解码为CoAP消息，是Encode的严格逆过程
// 任何格式问题都返回*DecodeError
func (e *Encoder) Decode(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, newDecodeError(0, "报文过短: 仅%d字节（至少需4字节头部）", len(data))
	}

	version := data[0] >> 6
	if version != Version1 {
		return nil, newDecodeError(0, "不支持的协议版本: %d", version)
	}
	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, newDecodeError(0, "无效的令牌长度: %d", tkl)
	}

	msg := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      codes.Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	// 空消息（0.00）只能是4字节头部
	if msg.Code == codes.Empty && (tkl != 0 || len(data) != headerSize) {
		return nil, newDecodeError(headerSize, "空消息不能携带令牌、选项或负载")
	}

	pos := headerSize
	if len(data) < pos+tkl {
		return nil, newDecodeError(pos, "令牌被截断: 期望%d字节，剩余%d字节", tkl, len(data)-pos)
	}
	if tkl > 0 {
		msg.Token = append([]byte(nil), data[pos:pos+tkl]...)
	}
	pos += tkl

	options, payload, err := e.decodeOptions(data, pos)
	if err != nil {
		return nil, err
	}
	msg.Options = options
	msg.Payload = payload
	return msg, nil
}

// encodeOptions 按选项号升序编码选项，重复选项号保持原有相对顺序
func (e *Encoder) encodeOptions(buf []byte, options []Option) ([]byte, error) {
	if len(options) == 0 {
		return buf, nil
	}
	sorted := make([]Option, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	prev := OptionID(0)
	for _, opt := range sorted {
		if len(opt.Value) > MaxOptionValueLength {
			return nil, &OptionEncodingError{ID: opt.ID, Length: len(opt.Value)}
		}
		delta := uint32(opt.ID - prev)
		length := uint32(len(opt.Value))

		dn, dext := extendNibble(delta)
		ln, lext := extendNibble(length)
		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, opt.Value...)
		prev = opt.ID
	}
	return buf, nil
}

// extendNibble 计算delta或长度的4位表示与扩展字节
// <13直接存储；13..268存13+1字节(值-13)；>=269存14+2字节(值-269)
func extendNibble(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

// decodeOptions 从pos开始解析选项直到报文结束或遇到负载分隔符
func (e *Encoder) decodeOptions(data []byte, pos int) ([]Option, []byte, error) {
	var options []Option
	prev := uint32(0)

	for pos < len(data) {
		b := data[pos]
		if b == PayloadMarker {
			pos++
			if pos == len(data) {
				return nil, nil, newDecodeError(pos-1, "负载分隔符后没有负载")
			}
			return options, append([]byte(nil), data[pos:]...), nil
		}
		start := pos
		pos++

		delta, n, err := readExtended(data, pos, b>>4)
		if err != nil {
			return nil, nil, newDecodeError(start, "选项delta: %s", err)
		}
		pos += n
		length, n, err := readExtended(data, pos, b&0x0F)
		if err != nil {
			return nil, nil, newDecodeError(start, "选项长度: %s", err)
		}
		pos += n

		number := prev + delta
		if number > 0xFFFF {
			return nil, nil, newDecodeError(start, "选项号溢出: %d", number)
		}
		if uint32(len(data)-pos) < length {
			return nil, nil, newDecodeError(pos, "选项值被截断: 期望%d字节，剩余%d字节", length, len(data)-pos)
		}

		opt := Option{ID: OptionID(number)}
		if length > 0 {
			opt.Value = append([]byte(nil), data[pos:pos+int(length)]...)
		}
		options = append(options, opt)
		pos += int(length)
		prev = number
	}
	return options, nil, nil
}

type nibbleError string

func (e nibbleError) Error() string { return string(e) }

// readExtended 读取扩展的delta或长度，返回实际值与消耗的扩展字节数
func readExtended(data []byte, pos int, nibble byte) (uint32, int, error) {
	switch nibble {
	case 13:
		if pos+1 > len(data) {
			return 0, 0, nibbleError("1字节扩展被截断")
		}
		return uint32(data[pos]) + 13, 1, nil
	case 14:
		if pos+2 > len(data) {
			return 0, 0, nibbleError("2字节扩展被截断")
		}
		return uint32(binary.BigEndian.Uint16(data[pos:])) + 269, 2, nil
	case 15:
		return 0, 0, nibbleError("保留值15")
	default:
		return uint32(nibble), 0, nil
	}
}

// validateMessage 编码前校验消息合法性
func (e *Encoder) validateMessage(msg *Message) error {
	if msg.Type > Reset {
		return fmt.Errorf("无效的消息类型: %d（仅支持0-3）", msg.Type)
	}
	if len(msg.Token) > MaxTokenLength {
		return fmt.Errorf("令牌长度过长: %d（最大支持%d字节）", len(msg.Token), MaxTokenLength)
	}
	if msg.Code > 0xFF {
		return fmt.Errorf("无效的消息码: %d（必须在0-255之间）", msg.Code)
	}
	if msg.Code == codes.Empty && (len(msg.Token) > 0 || len(msg.Options) > 0 || len(msg.Payload) > 0) {
		return fmt.Errorf("空消息不能携带令牌、选项或负载")
	}
	return nil
}

// ------------------------------ 消息辅助方法 ------------------------------

// IsEmpty 是否为空消息（0.00，用于空ACK、RST与Ping）
func (msg *Message) IsEmpty() bool {
	return msg.Code == codes.Empty
}

// IsRequest 是否为请求（0.01-0.31）
func (msg *Message) IsRequest() bool {
	return msg.Code != codes.Empty && msg.Code>>5 == 0
}

// IsResponse 是否为响应（2.xx-5.xx）
func (msg *Message) IsResponse() bool {
	class := msg.Code >> 5
	return class >= 2 && class <= 5
}

// AddOption 追加一个选项
func (msg *Message) AddOption(id OptionID, value []byte) {
	if len(value) == 0 {
		value = nil
	}
	msg.Options = append(msg.Options, Option{ID: id, Value: value})
}

// RemoveOption 删除所有指定选项号的选项
func (msg *Message) RemoveOption(id OptionID) {
	kept := msg.Options[:0:0]
	for _, opt := range msg.Options {
		if opt.ID != id {
			kept = append(kept, opt)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	msg.Options = kept
}

// GetOption 获取第一个指定选项号的选项值（适用于单值选项）
func (msg *Message) GetOption(id OptionID) ([]byte, bool) {
	for _, opt := range msg.Options {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetOptions 获取所有指定选项号的选项值（适用于Uri-Path、Uri-Query等多值选项）
func (msg *Message) GetOptions(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range msg.Options {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// SetPath 将"/a/b"拆分为多个Uri-Path选项，覆盖已有路径
func (msg *Message) SetPath(path string) {
	msg.RemoveOption(OptionURIPath)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			msg.AddOption(OptionURIPath, []byte(segment))
		}
	}
}

// Path 拼接Uri-Path选项为完整路径，无路径时为"/"
func (msg *Message) Path() string {
	segments := msg.GetOptions(OptionURIPath)
	if len(segments) == 0 {
		return "/"
	}
	parts := make([]string, len(segments))
	for i, segment := range segments {
		parts[i] = string(segment)
	}
	return "/" + strings.Join(parts, "/")
}

// SetContentFormat 设置Content-Format选项（覆盖已有值）
func (msg *Message) SetContentFormat(mt message.MediaType) {
	msg.RemoveOption(OptionContentFormat)
	msg.AddOption(OptionContentFormat, EncodeUint(uint32(mt)))
}

// ContentFormat 读取Content-Format选项
func (msg *Message) ContentFormat() (message.MediaType, bool) {
	v, ok := msg.GetOption(OptionContentFormat)
	if !ok {
		return 0, false
	}
	return message.MediaType(DecodeUint(v)), true
}

func (msg *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x options=%d payload=%dB",
		msg.Type, msg.Code, msg.MessageID, msg.Token, len(msg.Options), len(msg.Payload))
}

// EncodeUint 以最少字节的大端序编码uint选项值，0编码为空
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint 解码uint选项值，超过4字节时只取低4字节
func DecodeUint(b []byte) uint32 {
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

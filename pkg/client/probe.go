package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

// DefaultProbeTimeout 探测请求默认超时
const DefaultProbeTimeout = 5 * time.Second

// ProbeResult 一次探测请求的响应
type ProbeResult struct {
	Code          codes.Code
	ContentFormat message.MediaType
	HasFormat     bool
	Payload       []byte
}

// Probe 基于go-coap的独立客户端，用于命令行get/put与集成测试
type Probe struct {
	conn    *client.Conn
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

// DialProbe 建立到目标节点的UDP会话
func DialProbe(addr string, timeout time.Duration, log *logger.Logger) (*Probe, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	conn, err := udp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("连接到%s失败: %w", addr, err)
	}
	return &Probe{conn: conn, addr: addr, timeout: timeout, log: log}, nil
}

// Get 发送GET请求
func (p *Probe) Get(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.conn.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("GET %s失败: %w", path, err)
	}
	return p.result(path, resp.Code(), resp.ContentFormat, resp.ReadBody)
}

// Put 发送文本负载的PUT请求
func (p *Probe) Put(ctx context.Context, path string, payload []byte) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.conn.Put(ctx, path, message.TextPlain, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("PUT %s失败: %w", path, err)
	}
	return p.result(path, resp.Code(), resp.ContentFormat, resp.ReadBody)
}

// Ping 发送CoAP ping（空CON，期望RST）
func (p *Probe) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s失败: %w", p.addr, err)
	}
	return nil
}

func (p *Probe) result(path string, code codes.Code, format func() (message.MediaType, error), body func() ([]byte, error)) (*ProbeResult, error) {
	payload, err := body()
	if err != nil {
		return nil, fmt.Errorf("读取响应负载失败: %w", err)
	}
	res := &ProbeResult{Code: code, Payload: payload}
	if mt, err := format(); err == nil {
		res.ContentFormat = mt
		res.HasFormat = true
	}
	p.log.Debug("收到探测响应",
		logger.String("addr", p.addr),
		logger.String("path", path),
		logger.Stringer("code", code),
		logger.Int("size", len(payload)))
	return res, nil
}

// Close 关闭会话
func (p *Probe) Close() error {
	return p.conn.Close()
}

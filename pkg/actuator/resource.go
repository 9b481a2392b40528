package actuator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultPath 本地LED资源路径
const DefaultPath = "/led"

// Command 一条"led:<1|2|3>,state:<0|1>"控制指令
type Command struct {
	LED int  // 1红 2黄 3绿
	On  bool
}

// ParseCommand 解析文本控制指令
func ParseCommand(payload string) (Command, error) {
	led, state, ok := strings.Cut(strings.TrimSpace(payload), ",")
	if !ok {
		return Command{}, fmt.Errorf("指令格式应为 led:N,state:S，实际: %q", payload)
	}
	n, err := field(led, "led")
	if err != nil {
		return Command{}, err
	}
	s, err := field(state, "state")
	if err != nil {
		return Command{}, err
	}
	if n < 1 || n > 3 {
		return Command{}, fmt.Errorf("LED编号必须为1-3，实际: %d", n)
	}
	if s != 0 && s != 1 {
		return Command{}, fmt.Errorf("LED状态必须为0或1，实际: %d", s)
	}
	return Command{LED: n, On: s == 1}, nil
}

func field(part, name string) (int, error) {
	key, value, ok := strings.Cut(strings.TrimSpace(part), ":")
	if !ok || strings.TrimSpace(key) != name {
		return 0, fmt.Errorf("缺少字段%s: %q", name, part)
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("字段%s不是整数: %q", name, value)
	}
	return v, nil
}

// ApplyTo 返回应用指令后的新状态
func (c Command) ApplyTo(state api.ActuatorState) api.ActuatorState {
	switch c.LED {
	case 1:
		state.Red = c.On
	case 2:
		state.Yellow = c.On
	case 3:
		state.Green = c.On
	}
	return state
}

// Resource 本地LED资源：GET返回当前状态，PUT接受文本指令
func (s *Store) Resource(path string) *coap.Resource {
	if path == "" {
		path = DefaultPath
	}
	return &coap.Resource{
		Path:         path,
		Title:        "LED Control",
		ResourceType: "actuator.led",
		Interface:    "core.a",
		Methods:      []codes.Code{codes.GET, codes.PUT},
		Handler:      s.handle,
	}
}

func (s *Store) handle(req *coap.Request) (*coap.Response, error) {
	if req.Message.Code == codes.GET {
		payload, err := EncodeState(s.Current())
		if err != nil {
			return nil, err
		}
		return coap.JSONResponse(payload), nil
	}

	cmd, err := ParseCommand(string(req.Message.Payload))
	if err != nil {
		s.log.Warn("无效的LED指令", logger.Stringer("peer", req.Peer), logger.Err(err))
		return coap.TextResponse(codes.BadRequest, err.Error()), nil
	}
	if err := s.Apply(cmd.ApplyTo(s.Current())); err != nil {
		return nil, err
	}
	s.log.Info("LED指令已执行",
		logger.Stringer("peer", req.Peer),
		logger.Int("led", cmd.LED),
		logger.Bool("on", cmd.On))
	return &coap.Response{Code: codes.Changed}, nil
}

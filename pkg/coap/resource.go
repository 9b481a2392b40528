// 提供CoAP资源注册与请求分发，含资源发现端点/.well-known/core
package coap

import (
	"fmt"
	"net/netip"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// WellKnownCorePath CoAP标准资源发现路径（RFC 6690）
const WellKnownCorePath = "/.well-known/core"

// Handler 资源请求处理函数
// 返回(nil, nil)表示不需要响应：CON请求只回空ACK，NON请求不回复
// 返回错误或panic时对外响应5.00
type Handler func(req *Request) (*Response, error)

// Request 分发给资源处理器的请求
type Request struct {
	Message  *Message          // 原始CoAP消息
	Peer     netip.AddrPort    // 请求来源
	Path     string            // 资源路径（由Uri-Path拼接）
	Query    map[string]string // 查询参数（由Uri-Query解析）
	Received time.Time         // 接收时间
}

// Response 资源处理器生成的响应
type Response struct {
	Code          codes.Code        // 响应码
	ContentFormat message.MediaType // 负载格式，仅在负载非空时写入Content-Format
	Payload       []byte
	Options       []Option
}

// JSONResponse 构造2.05 JSON响应
func JSONResponse(payload []byte) *Response {
	return &Response{Code: codes.Content, ContentFormat: message.AppJSON, Payload: payload}
}

// TextResponse 构造纯文本响应
func TextResponse(code codes.Code, text string) *Response {
	return &Response{Code: code, ContentFormat: message.TextPlain, Payload: []byte(text)}
}

// Resource 一个可访问的CoAP资源
type Resource struct {
	Path         string       // 资源路径（唯一标识，如"/sensors"）
	Title        string       // 资源标题（link-format的title属性）
	ResourceType string       // 资源类型（rt属性）
	Interface    string       // 资源接口（if属性）
	Methods      []codes.Code // 允许的方法，为空时只允许GET
	Handler      Handler      // 请求处理器
}

func (r *Resource) allows(method codes.Code) bool {
	if len(r.Methods) == 0 {
		return method == codes.GET
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Dispatcher 按路径将请求分发给资源处理器并组装响应报文
// 启动调度循环前完成注册并调用Freeze，之后注册表只读
type Dispatcher struct {
	resources map[string]*Resource
	frozen    bool
	nextMID   func() uint16
	log       *logger.Logger
}

// NewDispatcher 创建分发器并注册/.well-known/core
// 参数：nextMID - NON响应使用的消息ID分配函数，log - 日志实例（nil时使用默认实例）
func NewDispatcher(nextMID func() uint16, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	d := &Dispatcher{
		resources: make(map[string]*Resource),
		nextMID:   nextMID,
		log:       log,
	}
	_ = d.Register(&Resource{
		Path:         WellKnownCorePath,
		Title:        "Resource Discovery",
		ResourceType: "core.rd",
		Interface:    "core.ll",
		Handler:      d.handleDiscovery,
	})
	return d
}

// Register 注册资源，路径统一为以"/"开头且不以"/"结尾
func (d *Dispatcher) Register(resource *Resource) error {
	if resource == nil || resource.Path == "" || resource.Handler == nil {
		return fmt.Errorf("无效的资源（资源为nil、路径为空或缺少处理器）")
	}
	if d.frozen {
		return fmt.Errorf("资源注册表已冻结，无法注册：%s", resource.Path)
	}
	path := normalizePath(resource.Path)
	if _, exists := d.resources[path]; exists {
		return fmt.Errorf("资源已注册：%s", path)
	}
	resource.Path = path
	d.resources[path] = resource

	d.log.Info("资源注册成功",
		logger.String("路径", path),
		logger.String("标题", resource.Title))
	return nil
}

// Freeze 冻结注册表
func (d *Dispatcher) Freeze() {
	d.frozen = true
}

// Resources 按路径排序返回已注册资源
func (d *Dispatcher) Resources() []*Resource {
	list := make([]*Resource, 0, len(d.resources))
	for _, r := range d.resources {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list
}

func normalizePath(path string) string {
	path = strings.Trim(path, "/")
	return "/" + path
}

// HandleRequest 处理一条请求，返回需要发出的响应报文（nil表示不回复）
// CON请求的响应以ACK捎带（同消息ID、同令牌），NON请求的响应为使用新消息ID的NON
func (d *Dispatcher) HandleRequest(msg *Message, peer netip.AddrPort, now time.Time) *Message {
	if msg == nil || !msg.IsRequest() {
		return nil
	}

	req := &Request{
		Message:  msg,
		Peer:     peer,
		Path:     msg.Path(),
		Query:    extractQuery(msg),
		Received: now,
	}

	resp := d.dispatch(req)
	if resp == nil {
		if msg.Type == Confirmable {
			return &Message{Type: Acknowledgement, Code: codes.Empty, MessageID: msg.MessageID}
		}
		return nil
	}
	return d.buildReply(msg, resp)
}

func (d *Dispatcher) dispatch(req *Request) *Response {
	resource, exists := d.resources[req.Path]
	if !exists {
		d.log.Debug("资源不存在", logger.String("路径", req.Path), logger.Stringer("peer", req.Peer))
		return &Response{Code: codes.NotFound}
	}
	if !resource.allows(req.Message.Code) {
		return &Response{Code: codes.MethodNotAllowed}
	}

	resp, err := d.invoke(resource, req)
	if err != nil {
		d.log.Error("资源处理失败",
			logger.String("路径", req.Path),
			logger.Stringer("method", req.Message.Code),
			logger.Err(err))
		return &Response{Code: codes.InternalServerError}
	}
	return resp
}

// invoke 调用处理器，panic被转换为*HandlerError
func (d *Dispatcher) invoke(resource *Resource, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("处理器panic堆栈", logger.ByteString("stack", debug.Stack()))
			resp, err = nil, &HandlerError{Path: resource.Path, Panic: r}
		}
	}()
	resp, err = resource.Handler(req)
	if err != nil {
		return nil, &HandlerError{Path: resource.Path, Err: err}
	}
	return resp, nil
}

func (d *Dispatcher) buildReply(req *Message, resp *Response) *Message {
	reply := &Message{
		Code:    resp.Code,
		Token:   req.Token,
		Payload: resp.Payload,
	}
	if len(reply.Payload) == 0 {
		reply.Payload = nil
	}
	if req.Type == Confirmable {
		reply.Type = Acknowledgement
		reply.MessageID = req.MessageID
	} else {
		reply.Type = NonConfirmable
		reply.MessageID = d.nextMID()
	}
	for _, opt := range resp.Options {
		reply.AddOption(opt.ID, opt.Value)
	}
	if len(reply.Payload) > 0 {
		reply.SetContentFormat(resp.ContentFormat)
	}
	return reply
}

// extractQuery 解析Uri-Query选项为键值对（"key=value"或"key"）
func extractQuery(msg *Message) map[string]string {
	queryOptions := msg.GetOptions(OptionURIQuery)
	if len(queryOptions) == 0 {
		return nil
	}
	query := make(map[string]string, len(queryOptions))
	for _, option := range queryOptions {
		key, value, _ := strings.Cut(string(option), "=")
		query[key] = value
	}
	return query
}

// handleDiscovery 返回CoRE链接格式的资源列表
func (d *Dispatcher) handleDiscovery(req *Request) (*Response, error) {
	resources := d.Resources()
	links := make([]string, 0, len(resources))
	for _, resource := range resources {
		links = append(links, formatLink(resource))
	}
	return &Response{
		Code:          codes.Content,
		ContentFormat: message.AppLinkFormat,
		Payload:       []byte(strings.Join(links, ",")),
	}, nil
}

// formatLink 格式示例：</sensors>;title="Sensor Readings";rt="sensor";if="core.s"
func formatLink(resource *Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", resource.Path)
	if resource.Title != "" {
		fmt.Fprintf(&b, `;title="%s"`, resource.Title)
	}
	if resource.ResourceType != "" {
		fmt.Fprintf(&b, `;rt="%s"`, resource.ResourceType)
	}
	if resource.Interface != "" {
		fmt.Fprintf(&b, `;if="%s"`, resource.Interface)
	}
	return b.String()
}

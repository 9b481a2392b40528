// 网络接入：扫描本机接口并选出节点使用的IP地址
package network

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
)

// InterfaceInfo 表示网络接口的详细信息
type InterfaceInfo struct {
	Name      string           // 接口名称（如wlan0、lo等）
	Index     int              // 接口索引
	Flags     net.Flags        // 接口标志
	Addresses []net.IP         // 接口关联的IP地址列表
	MAC       net.HardwareAddr // MAC地址
	MTU       int              // 最大传输单元
}

// Up 接口是否启用
func (i *InterfaceInfo) Up() bool { return i.Flags&net.FlagUp != 0 }

// Loopback 是否为回环接口
func (i *InterfaceInfo) Loopback() bool { return i.Flags&net.FlagLoopback != 0 }

// IPv4 返回第一个IPv4地址
func (i *InterfaceInfo) IPv4() net.IP {
	for _, addr := range i.Addresses {
		if v4 := addr.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// ConnectivityError 网络接入失败
type ConnectivityError struct {
	Interface string // 指定的接口名，自动选择时为空
	Reason    string
	Err       error
}

func (e *ConnectivityError) Error() string {
	msg := "网络接入失败"
	if e.Interface != "" {
		msg += "(" + e.Interface + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Lister 列出本机接口，测试中可替换
type Lister func() ([]InterfaceInfo, error)

// Options 接入参数
type Options struct {
	Interface     string // 指定接口，为空时自动选择
	AllowLoopback bool   // 没有其他可用接口时允许回环地址
	Lister        Lister // 为空时使用SystemInterfaces
}

// Manager 扫描接口并选出节点地址，实现api.NetworkAttacher
type Manager struct {
	mu sync.RWMutex

	opts       Options
	interfaces []InterfaceInfo
	selected   *InterfaceInfo
	ip         net.IP
	log        *logger.Logger
}

// NewManager 创建网络接入管理器
func NewManager(opts Options, log *logger.Logger) *Manager {
	if opts.Lister == nil {
		opts.Lister = SystemInterfaces
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{opts: opts, log: log}
}

// Connect 扫描接口并选出一个启用且有IPv4地址的接口
// 失败时返回*ConnectivityError
func (m *Manager) Connect() (net.IP, error) {
	interfaces, err := m.opts.Lister()
	if err != nil {
		return nil, &ConnectivityError{Interface: m.opts.Interface, Reason: "获取接口列表失败", Err: err}
	}
	sort.Slice(interfaces, func(i, j int) bool { return interfaces[i].Index < interfaces[j].Index })

	iface, ip, err := m.choose(interfaces)

	m.mu.Lock()
	m.interfaces = interfaces
	m.selected = iface
	m.ip = ip
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("网络接入失败", logger.Int("interfaces", len(interfaces)), logger.Err(err))
		return nil, err
	}
	m.log.Info("网络已接入",
		logger.String("interface", iface.Name),
		logger.Stringer("ip", ip),
		logger.Int("mtu", iface.MTU))
	return ip, nil
}

func (m *Manager) choose(interfaces []InterfaceInfo) (*InterfaceInfo, net.IP, error) {
	if name := m.opts.Interface; name != "" {
		for i := range interfaces {
			iface := &interfaces[i]
			if iface.Name != name {
				continue
			}
			if !iface.Up() {
				return nil, nil, &ConnectivityError{Interface: name, Reason: "接口未启用"}
			}
			ip := iface.IPv4()
			if ip == nil {
				return nil, nil, &ConnectivityError{Interface: name, Reason: "接口没有IPv4地址"}
			}
			return iface, ip, nil
		}
		return nil, nil, &ConnectivityError{Interface: name, Reason: "未找到接口"}
	}

	var loopback *InterfaceInfo
	for i := range interfaces {
		iface := &interfaces[i]
		if !iface.Up() || iface.IPv4() == nil {
			continue
		}
		if iface.Loopback() || iface.IPv4().IsLoopback() {
			if loopback == nil {
				loopback = iface
			}
			continue
		}
		return iface, iface.IPv4(), nil
	}
	if loopback != nil && m.opts.AllowLoopback {
		return loopback, loopback.IPv4(), nil
	}
	return nil, nil, &ConnectivityError{Reason: "没有可用的非回环IPv4接口"}
}

// Interfaces 最近一次扫描到的接口
func (m *Manager) Interfaces() []InterfaceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]InterfaceInfo(nil), m.interfaces...)
}

// Selected 当前选中的接口与地址
func (m *Manager) Selected() (InterfaceInfo, net.IP, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.selected == nil {
		return InterfaceInfo{}, nil, false
	}
	return *m.selected, m.ip, true
}

// SystemInterfaces 通过net.Interfaces读取本机接口
func SystemInterfaces() ([]InterfaceInfo, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("获取接口列表失败: %w", err)
	}

	result := make([]InterfaceInfo, 0, len(interfaces))
	for _, iface := range interfaces {
		info := InterfaceInfo{
			Name:  iface.Name,
			Index: iface.Index,
			Flags: iface.Flags,
			MAC:   iface.HardwareAddr,
			MTU:   iface.MTU,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logger.Warn("获取接口地址失败",
				logger.String("interface", iface.Name),
				logger.Err(err))
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				info.Addresses = append(info.Addresses, v.IP)
			case *net.IPAddr:
				info.Addresses = append(info.Addresses, v.IP)
			}
		}
		result = append(result, info)
	}
	return result, nil
}

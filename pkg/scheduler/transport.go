package scheduler

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// MaxDatagramSize 接收缓冲区大小，大于任何UDP负载（IPv4最大65507，IPv6最大65527）
const MaxDatagramSize = 64 * 1024

// ErrDatagramTruncated 数据报填满了接收缓冲区，内核可能已截断其余部分
var ErrDatagramTruncated = errors.New("数据报被截断")

// Transport 调度循环使用的数据报传输
// ReadFrom最多等待timeout，超时返回os.ErrDeadlineExceeded；关闭后返回net.ErrClosed；
// 数据报填满buf时返回ErrDatagramTruncated
type Transport interface {
	ReadFrom(buf []byte, timeout time.Duration) (int, netip.AddrPort, error)
	WriteTo(data []byte, peer netip.AddrPort) error
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport 基于*net.UDPConn的传输
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP 绑定UDP端口，trafficClass非0时设置IPv4 TOS
func ListenUDP(address string, trafficClass int) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("解析监听地址%s失败: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听%s失败: %w", address, err)
	}
	if trafficClass != 0 {
		if err := ipv4.NewConn(conn).SetTOS(trafficClass); err != nil {
			conn.Close()
			return nil, fmt.Errorf("设置TOS失败: %w", err)
		}
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) ReadFrom(buf []byte, timeout time.Duration) (int, netip.AddrPort, error) {
	// 零等待也给内核一个最小窗口，以便取走已到达的数据报
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, peer, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}
		return 0, netip.AddrPort{}, err
	}
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	if n >= len(buf) {
		return n, peer, ErrDatagramTruncated
	}
	return n, peer, nil
}

func (t *UDPTransport) WriteTo(data []byte, peer netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(data, peer)
	return err
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

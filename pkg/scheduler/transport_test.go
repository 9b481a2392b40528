package scheduler

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (*UDPTransport, *net.UDPConn) {
	tr, err := ListenUDP("127.0.0.1:0", 0)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	peer, err := net.DialUDP("udp", nil, tr.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return tr, peer
}

// TestUDPTransport_LargeDatagram 超过以太网MTU的数据报完整读出
func TestUDPTransport_LargeDatagram(t *testing.T) {
	tr, peer := listenLoopback(t)

	msg := &coap.Message{Type: coap.NonConfirmable, Code: codes.POST, MessageID: 0x2001, Payload: make([]byte, 3000)}
	for i := range msg.Payload {
		msg.Payload[i] = byte(i)
	}
	msg.SetPath("/led")
	data, err := coap.NewEncoder().Encode(msg)
	require.NoError(t, err)
	_, err = peer.Write(data)
	require.NoError(t, err)

	buf := make([]byte, MaxDatagramSize)
	n, from, err := tr.ReadFrom(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, peer.LocalAddr().(*net.UDPAddr).Port, int(from.Port()))

	decoded, err := coap.NewEncoder().Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

// TestUDPTransport_Truncated 数据报填满缓冲区时报告截断而不是返回残缺报文
func TestUDPTransport_Truncated(t *testing.T) {
	tr, peer := listenLoopback(t)

	_, err := peer.Write(make([]byte, 3007))
	require.NoError(t, err)

	n, _, err := tr.ReadFrom(make([]byte, 1500), 2*time.Second)
	assert.ErrorIs(t, err, ErrDatagramTruncated)
	assert.Equal(t, 1500, n)
}

func TestUDPTransport_Timeout(t *testing.T) {
	tr, _ := listenLoopback(t)

	_, _, err := tr.ReadFrom(make([]byte, 16), 0)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))

	require.NoError(t, tr.Close())
	_, _, err = tr.ReadFrom(make([]byte, 16), time.Millisecond)
	assert.ErrorIs(t, err, net.ErrClosed)
}

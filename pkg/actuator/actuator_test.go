package actuator

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/coap"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    api.ActuatorState
		wantErr bool
	}{
		{name: "合法状态", input: `{"redLed":false,"yellowLed":true,"greenLed":false}`, want: api.ActuatorState{Yellow: true}},
		{name: "多余字段忽略", input: `{"redLed":true,"yellowLed":true,"greenLed":true,"extra":1}`, want: api.ActuatorState{Red: true, Yellow: true, Green: true}},
		{name: "缺少字段", input: `{"redLed":true,"yellowLed":true}`, wantErr: true},
		{name: "字符串类型", input: `{"redLed":"true","yellowLed":true,"greenLed":false}`, wantErr: true},
		{name: "数字类型", input: `{"redLed":1,"yellowLed":true,"greenLed":false}`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "数组", input: `[true,false,true]`, wantErr: true},
		{name: "截断", input: `{"redLed":tr`, wantErr: true},
		{name: "空", input: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeState(t *testing.T) {
	data, err := EncodeState(api.ActuatorState{Red: true, Green: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"redLed":true,"yellowLed":false,"greenLed":true}`, string(data))

	back, err := ParseState(data)
	require.NoError(t, err)
	assert.Equal(t, api.ActuatorState{Red: true, Green: true}, back)
}

type recordingDriver struct {
	applied []api.ActuatorState
	err     error
}

func (d *recordingDriver) Apply(state api.ActuatorState) error {
	if d.err != nil {
		return d.err
	}
	d.applied = append(d.applied, state)
	return nil
}

func TestStore_Apply(t *testing.T) {
	driver := &recordingDriver{}
	m := metrics.New("test")
	store := NewStore(driver, m, logger.NewNop())
	assert.Equal(t, api.ActuatorState{}, store.Current())

	require.NoError(t, store.Apply(api.ActuatorState{Yellow: true}))
	assert.Equal(t, api.ActuatorState{Yellow: true}, store.Current())
	assert.Equal(t, []api.ActuatorState{{Yellow: true}}, driver.applied)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LEDState.WithLabelValues(LEDYellow)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LEDState.WithLabelValues(LEDRed)))

	// 驱动失败时状态不变
	driver.err = errors.New("gpio busy")
	assert.Error(t, store.Apply(api.ActuatorState{Red: true}))
	assert.Equal(t, api.ActuatorState{Yellow: true}, store.Current())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    Command
		wantErr bool
	}{
		{input: "led:1,state:1", want: Command{LED: 1, On: true}},
		{input: " led: 3 , state: 0 \n", want: Command{LED: 3, On: false}},
		{input: "led:2,state:1", want: Command{LED: 2, On: true}},
		{input: "led:4,state:1", wantErr: true},
		{input: "led:0,state:1", wantErr: true},
		{input: "led:1,state:2", wantErr: true},
		{input: "led:x,state:1", wantErr: true},
		{input: "state:1,led:1", wantErr: true},
		{input: "led:1", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResource(t *testing.T) {
	store := NewStore(nil, nil, logger.NewNop())
	d := coap.NewDispatcher(func() uint16 { return 100 }, logger.NewNop())
	require.NoError(t, d.Register(store.Resource("")))
	peer := netip.MustParseAddrPort("192.168.1.30:5683")
	now := time.Now()

	put := func(payload string) *coap.Message {
		req := &coap.Message{Type: coap.Confirmable, Code: codes.PUT, MessageID: 7, Token: []byte{9}, Payload: []byte(payload)}
		req.SetPath(DefaultPath)
		return d.HandleRequest(req, peer, now)
	}

	reply := put("led:3,state:1")
	require.NotNil(t, reply)
	assert.Equal(t, codes.Changed, reply.Code)
	assert.Equal(t, coap.Acknowledgement, reply.Type)
	assert.Equal(t, api.ActuatorState{Green: true}, store.Current())

	reply = put("led:9,state:1")
	assert.Equal(t, codes.BadRequest, reply.Code)
	assert.Equal(t, api.ActuatorState{Green: true}, store.Current())

	get := &coap.Message{Type: coap.Confirmable, Code: codes.GET, MessageID: 8, Token: []byte{10}}
	get.SetPath(DefaultPath)
	reply = d.HandleRequest(get, peer, now)
	assert.Equal(t, codes.Content, reply.Code)
	assert.JSONEq(t, `{"redLed":false,"yellowLed":false,"greenLed":true}`, string(reply.Payload))

	post := &coap.Message{Type: coap.Confirmable, Code: codes.POST, MessageID: 9}
	post.SetPath(DefaultPath)
	reply = d.HandleRequest(post, peer, now)
	assert.Equal(t, codes.MethodNotAllowed, reply.Code)
}

func TestSysfsLEDDriver(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"red", "amber"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	driver := &SysfsLEDDriver{Root: root, Red: "red", Yellow: "amber"}
	require.NoError(t, driver.Apply(api.ActuatorState{Red: true, Green: true}))

	red, err := os.ReadFile(filepath.Join(root, "red", "brightness"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(red))
	amber, err := os.ReadFile(filepath.Join(root, "amber", "brightness"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(amber))

	driver.Green = "missing"
	assert.Error(t, driver.Apply(api.ActuatorState{}))
}

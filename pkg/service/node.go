// Package service 组装节点：网络接入、套接字、事务表、资源、轮询与周期任务，
// 并把它们交给调度循环运行
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/coapnode-go/api"
	"github.com/junbin-yang/coapnode-go/pkg/actuator"
	"github.com/junbin-yang/coapnode-go/pkg/client"
	"github.com/junbin-yang/coapnode-go/pkg/config"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/network"
	"github.com/junbin-yang/coapnode-go/pkg/scheduler"
	"github.com/junbin-yang/coapnode-go/pkg/sensor"
	"github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"go.uber.org/multierr"
)

// 周期任务ID
const (
	timerSensorSample = "sensor-sample"
	timerActuatorPoll = "actuator-poll"
)

// Options 节点依赖，为空的字段按配置创建
type Options struct {
	Config    *config.Config
	Attacher  api.NetworkAttacher
	Reader    api.SensorReader
	Driver    api.ActuatorDriver
	Transport scheduler.Transport
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Node 单设备CoAP节点：服务端提供/sensors，客户端轮询远端LED状态
type Node struct {
	cfg       *config.Config
	ip        net.IP
	transport scheduler.Transport
	sched     *scheduler.Scheduler
	sensors   *sensor.Service
	store     *actuator.Store
	poller    *client.Poller
	metrics   *metrics.Metrics
	log       *logger.Logger
	startedAt time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	closeOnce sync.Once
	closeErr  error
}

var _ api.Node = (*Node)(nil)

// New 创建节点：接入网络、绑定套接字、注册资源与周期任务
// 网络接入失败时返回*network.ConnectivityError
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	// 1. 网络接入
	attacher := opts.Attacher
	if attacher == nil {
		attacher = network.NewManager(network.Options{
			Interface:     cfg.Network.Interface,
			AllowLoopback: cfg.Network.AllowLoopback,
		}, log.Named("network"))
	}
	ip, err := attacher.Connect()
	if err != nil {
		return nil, err
	}

	// 2. 套接字
	transport := opts.Transport
	if transport == nil {
		transport, err = scheduler.ListenUDP(cfg.Listen, cfg.Network.TrafficClass)
		if err != nil {
			return nil, err
		}
	}

	n := &Node{
		cfg:       cfg,
		ip:        ip,
		transport: transport,
		metrics:   opts.Metrics,
		log:       log,
	}
	if err := n.build(opts); err != nil {
		transport.Close()
		return nil, err
	}
	return n, nil
}

// build 创建调度器并注册资源与周期任务
func (n *Node) build(opts Options) error {
	cfg := n.cfg
	n.sched = scheduler.New(n.transport, scheduler.Options{
		PollCap:          cfg.Scheduler.PollCap.Std(),
		Reliability:      cfg.CoAPReliability(),
		ExchangeLifetime: cfg.Scheduler.ExchangeLifetime.Std(),
		NonLifetime:      cfg.Scheduler.NonLifetime.Std(),
		Clock:            opts.Clock,
		Metrics:          n.metrics,
		Logger:           n.log.Named("scheduler"),
	})
	now := n.sched.Clock().Now()
	n.startedAt = now
	dispatcher := n.sched.Dispatcher()
	timers := n.sched.Timers()

	// 传感器
	reader := opts.Reader
	if reader == nil {
		reader = newReader(cfg, n.log.Named("sensor"))
	}
	n.sensors = sensor.NewService(reader, n.metrics, n.log.Named("sensor"))
	if err := dispatcher.Register(n.sensors.Resource(cfg.Resources.Sensors)); err != nil {
		return err
	}
	if period := cfg.Sensor.SamplePeriod.Std(); period > 0 {
		if err := timers.CreateTimer(timerSensorSample, period, now.Add(period), n.sensors.Sample); err != nil {
			return err
		}
	}

	// 执行器
	driver := opts.Driver
	if driver == nil {
		driver = newDriver(cfg, n.log.Named("actuator"))
	}
	n.store = actuator.NewStore(driver, n.metrics, n.log.Named("actuator"))
	if cfg.Resources.EnableLED {
		if err := dispatcher.Register(n.store.Resource(cfg.Resources.LED)); err != nil {
			return err
		}
	}

	// 客户端轮询
	if cfg.Remote.Address == "" {
		n.log.Warn("未配置远端地址，不轮询LED状态")
		return nil
	}
	remote, err := resolve(cfg.Remote.Address)
	if err != nil {
		return err
	}
	n.poller = client.NewPoller(n.sched, remote, cfg.Remote.Path, n.store, n.metrics, n.log.Named("poller"))
	return timers.CreateTimer(timerActuatorPoll, cfg.Remote.Period.Std(), now, n.poller.Poll)
}

func newReader(cfg *config.Config, log *logger.Logger) api.SensorReader {
	if cfg.Sensor.Driver == config.DriverSysfs {
		sysfs := cfg.Sensor.Sysfs
		if sysfs.MaxBinHeight == 0 {
			sysfs.MaxBinHeight = cfg.Sensor.MaxBinHeight
		}
		return sensor.NewSysfsReader(sysfs, log)
	}
	return sensor.NewSimulated(sensor.SimulatedConfig{
		FaultRate:    cfg.Sensor.FaultRate,
		Seed:         cfg.Sensor.Seed,
		MaxBinHeight: cfg.Sensor.MaxBinHeight,
	})
}

func newDriver(cfg *config.Config, log *logger.Logger) api.ActuatorDriver {
	if cfg.Actuator.Driver == config.DriverSysfs {
		return &actuator.SysfsLEDDriver{
			Root:   cfg.Actuator.Root,
			Red:    cfg.Actuator.Red,
			Yellow: cfg.Actuator.Yellow,
			Green:  cfg.Actuator.Green,
		}
	}
	return actuator.NewLogDriver(log)
}

// resolve 解析远端地址，IPv4映射地址还原为IPv4
func resolve(address string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("解析远端地址%s失败: %w", address, err)
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// Run 运行调度循环，配置了指标地址时同时提供/metrics
func (n *Node) Run(ctx context.Context) error {
	if addr := n.cfg.Metrics.Address; addr != "" && n.metrics != nil {
		if err := n.serveMetrics(addr); err != nil {
			return err
		}
	}

	n.log.Info("节点已启动",
		logger.Stringer("ip", n.ip),
		logger.Stringer("listen", n.transport.LocalAddr()),
		logger.String("remote", n.cfg.Remote.Address))
	err := n.sched.Run(ctx)
	n.log.Info("节点已停止", logger.Err(err))
	return err
}

func (n *Node) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听指标地址%s失败: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	n.mu.Lock()
	n.httpSrv = srv
	n.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("指标服务异常退出", logger.Err(err))
		}
	}()
	n.log.Info("指标服务已启动", logger.Stringer("addr", ln.Addr()))
	return nil
}

// Close 关闭套接字与指标服务，可重复调用
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		srv := n.httpSrv
		n.mu.Unlock()

		var errs []error
		errs = append(errs, n.transport.Close())
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			errs = append(errs, srv.Shutdown(ctx))
			cancel()
		}
		n.closeErr = multierr.Combine(errs...)
	})
	return n.closeErr
}

// IP 网络接入得到的本机地址
func (n *Node) IP() net.IP { return n.ip }

func (n *Node) LocalAddr() net.Addr { return n.transport.LocalAddr() }

func (n *Node) Actuator() api.ActuatorState { return n.store.Current() }

func (n *Node) LatestSnapshot() (api.SensorSnapshot, bool) { return n.sensors.Latest() }

// Statistics 运行统计，可从任意协程调用
func (n *Node) Statistics() api.Statistics {
	s := n.sched.Stats()
	stats := api.Statistics{
		DatagramsReceived: s.DatagramsReceived,
		DatagramsSent:     s.DatagramsSent,
		DecodeErrors:      s.DecodeErrors,
		RequestsHandled:   s.RequestsHandled,
		Duplicates:        s.Duplicates,
		Retransmissions:   s.Retransmissions,
		TransactionsDone:  s.TransactionsDone,
		TransactionsLost:  s.TransactionsLost,
		LastPollState:     api.PollIdle,
		StartedAt:         n.startedAt,
	}
	if n.poller != nil {
		stats.PollsSucceeded, stats.PollsFailed = n.poller.Counts()
		last := n.poller.Last()
		stats.LastPollState = last.State
		stats.LastPollTime = last.At
	}
	return stats
}

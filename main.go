// coapnode的命令行接口：运行CoAP传感器节点，以及get/put/ping探测命令
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/junbin-yang/coapnode-go/pkg/client"
	"github.com/junbin-yang/coapnode-go/pkg/config"
	"github.com/junbin-yang/coapnode-go/pkg/metrics"
	"github.com/junbin-yang/coapnode-go/pkg/service"
	log "github.com/junbin-yang/coapnode-go/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"
	BuildTime = "unknown"

	cfgFile string // 配置文件路径
	timeout time.Duration

	logger *log.Logger
)

// rootCmd 运行节点
var rootCmd = &cobra.Command{
	Use:   "coapnode",
	Short: "coapnode: 单设备CoAP传感器节点",
	Long: `coapnode在一个UDP端口上同时扮演CoAP服务端与客户端：
对外提供/sensors传感器读数，并周期性轮询远端/led-status，把返回的LED状态应用到本地执行器。`,
	SilenceUsage: true,
	RunE:         runNode,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coapnode %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置（YAML）",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var getCmd = &cobra.Command{
	Use:   "get <host:port> <path>",
	Short: "向CoAP节点发送GET请求",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return probe(cmd, args[0], func(ctx context.Context, p *client.Probe) (*client.ProbeResult, error) {
			return p.Get(ctx, args[1])
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <host:port> <path> <payload>",
	Short: "向CoAP节点发送PUT请求（text/plain负载）",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return probe(cmd, args[0], func(ctx context.Context, p *client.Probe) (*client.ProbeResult, error) {
			return p.Put(ctx, args[1], []byte(args[2]))
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "发送CoAP ping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := client.DialProbe(args[0], timeout, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		start := time.Now()
		if err := p.Ping(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s 可达，耗时 %v\n", args[0], time.Since(start))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// 全局标志
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "配置文件路径（默认是./coapnode.yaml）")
	flags.String("log-level", "info", "日志级别（debug, info, warning, error, fatal）")
	flags.String("log-dir", "", "日志目录（为空时输出到标准错误）")

	// 节点标志
	nodeFlags := rootCmd.Flags()
	nodeFlags.String("listen", ":5683", "本地监听地址")
	nodeFlags.String("remote", "", "远端LED状态服务地址（host:port）")
	nodeFlags.String("remote-path", "/led-status", "远端LED状态资源路径")
	nodeFlags.Duration("poll-period", 5*time.Second, "LED状态轮询周期")
	nodeFlags.String("sensor-driver", config.DriverSimulated, "传感器驱动（simulated, sysfs）")
	nodeFlags.Float64("fault-rate", 0, "模拟传感器的故障概率")
	nodeFlags.String("actuator-driver", config.DriverLog, "执行器驱动（log, sysfs）")
	nodeFlags.Bool("enable-led", false, "对外开放/led资源")
	nodeFlags.String("interface", "", "使用的网络接口（为空时自动选择）")
	nodeFlags.Bool("allow-loopback", false, "没有其他接口时允许使用回环地址")
	nodeFlags.String("metrics-addr", "", "Prometheus指标监听地址（为空时不启动）")

	// 绑定到与配置文件一致的键，环境变量为COAPNODE_<键>（.替换为_）
	bind := map[string]string{
		"log.level":              "log-level",
		"log.dir":                "log-dir",
		"listen":                 "listen",
		"remote.address":         "remote",
		"remote.path":            "remote-path",
		"remote.period":          "poll-period",
		"sensor.driver":          "sensor-driver",
		"sensor.fault_rate":      "fault-rate",
		"actuator.driver":        "actuator-driver",
		"resources.enable_led":   "enable-led",
		"network.interface":      "interface",
		"network.allow_loopback": "allow-loopback",
		"metrics.address":        "metrics-addr",
	}
	for key, name := range bind {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = nodeFlags.Lookup(name)
		}
		viper.BindPFlag(key, flag)
	}

	for _, cmd := range []*cobra.Command{getCmd, putCmd, pingCmd} {
		cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultProbeTimeout, "请求超时")
	}

	rootCmd.AddCommand(versionCmd, configCmd, getCmd, putCmd, pingCmd)
}

// initConfig 定位配置文件并初始化默认日志
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("coapnode")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为COAPNODE（例如COAPNODE_REMOTE_ADDRESS对应remote.address）
	viper.SetEnvPrefix("COAPNODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "使用配置文件:", viper.ConfigFileUsed())
	}

	logger = log.Default()
}

// loadConfig 默认值 < 配置文件 < 环境变量与命令行标志
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if file := viper.ConfigFileUsed(); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setString := func(key string, dst *string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}
	setString("log.level", &cfg.Log.Level)
	setString("log.dir", &cfg.Log.Dir)
	setString("listen", &cfg.Listen)
	setString("remote.address", &cfg.Remote.Address)
	setString("remote.path", &cfg.Remote.Path)
	setString("sensor.driver", &cfg.Sensor.Driver)
	setString("actuator.driver", &cfg.Actuator.Driver)
	setString("network.interface", &cfg.Network.Interface)
	setString("metrics.address", &cfg.Metrics.Address)
	setBool("resources.enable_led", &cfg.Resources.EnableLED)
	setBool("network.allow_loopback", &cfg.Network.AllowLoopback)
	if viper.IsSet("remote.period") {
		cfg.Remote.Period = config.Duration(viper.GetDuration("remote.period"))
	}
	if viper.IsSet("sensor.fault_rate") {
		cfg.Sensor.FaultRate = viper.GetFloat64("sensor.fault_rate")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger 按配置创建日志实例并替换包级默认实例
func setupLogger(cfg config.LogConfig) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		filename := filepath.Join(cfg.Dir, "coapnode.log")
		switch cfg.Rotate {
		case config.RotateSize:
			out = log.NewProductionRotateBySize(filename, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		case config.RotateTime:
			out = log.NewProductionRotateByTime(filename)
		default:
			f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("打开日志文件失败: %w", err)
			}
			out = f
		}
	}

	l := log.New(out, level, log.AddCaller())
	log.ReplaceDefault(l)
	return l, nil
}

// runNode 执行root命令：在守护循环中运行节点，直到收到中断信号
func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logger, err = setupLogger(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("启动coapnode",
		log.String("版本", Version),
		log.String("监听", cfg.Listen),
		log.String("远端", cfg.Remote.Address))

	// 监听系统中断信号（SIGINT=Ctrl+C, SIGTERM=终止信号）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metrics.DefaultNamespace)
	sup := &service.Supervisor{
		Factory: func() (service.Runner, error) {
			return service.New(service.Options{Config: cfg, Metrics: m, Logger: logger})
		},
		RestartDelay:  cfg.Supervisor.RestartDelay.Std(),
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		AttachRetries: cfg.Network.AttachRetries,
		AttachBackoff: cfg.Network.AttachBackoff.Std(),
		Log:           logger.Named("supervisor"),
	}
	if err := sup.Run(ctx); err != nil {
		logger.Error("节点无法继续运行", log.Err(err))
		return err
	}
	logger.Info("coapnode已停止")
	return nil
}

// probe 建立探测会话、发送请求并打印响应
func probe(cmd *cobra.Command, addr string, do func(context.Context, *client.Probe) (*client.ProbeResult, error)) error {
	p, err := client.DialProbe(addr, timeout, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := do(cmd.Context(), p)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%v\n", res.Code)
	if res.HasFormat {
		fmt.Fprintf(out, "Content-Format: %v\n", res.ContentFormat)
	}
	if len(res.Payload) > 0 {
		fmt.Fprintf(out, "%s\n", res.Payload)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./coapnode --remote 192.168.4.1:5683 --enable-led --log-level debug

// ./coapnode get 127.0.0.1:5683 /sensors
// ./coapnode put 127.0.0.1:5683 /led "led:1,state:1"

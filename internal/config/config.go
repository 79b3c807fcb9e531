// Package config defines the df1gateway configuration surface: a
// viper-backed struct bound to cobra persistent flags, env vars
// prefixed DF1_, and an optional YAML file, following the cobra+viper
// wiring dittofs's pkg/config and cmd/dittofs/commands/root.go use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TransportKind selects which transport.Transport driver the gateway
// constructs.
type TransportKind string

const (
	TransportTCP    TransportKind = "tcp"
	TransportSerial TransportKind = "serial"
)

// EngineConfig mirrors spec.md §6's "Configuration options" recognised
// by the TransactionEngine constructor.
type EngineConfig struct {
	PlcType        string        `mapstructure:"plc_type"`
	Src            uint8         `mapstructure:"src"`
	Dst            uint8         `mapstructure:"dst"`
	SeqSleepTime   time.Duration `mapstructure:"seq_sleep_time"`
	TimeoutReadMsg time.Duration `mapstructure:"timeout_read_msg"`
	HistorySize    int           `mapstructure:"history_size"`
}

// TCPConfig mirrors transport.TCPConfig's fields for viper binding.
type TCPConfig struct {
	Address string        `mapstructure:"address"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SerialConfig mirrors transport.SerialConfig's fields for viper binding.
type SerialConfig struct {
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baud_rate"`
	Parity   string        `mapstructure:"parity"`
	DataBits int           `mapstructure:"data_bits"`
	StopBits string        `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig configures the optional pkg/redisdiag telemetry sink.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig configures the diagnostics HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is df1gateway's top-level configuration, populated by viper
// from flags, DF1_-prefixed env vars, and an optional YAML file, in
// that order of precedence.
type Config struct {
	Transport TransportKind `mapstructure:"transport"`
	Engine    EngineConfig  `mapstructure:"engine"`
	TCP       TCPConfig     `mapstructure:"tcp"`
	Serial    SerialConfig  `mapstructure:"serial"`
	Redis     RedisConfig   `mapstructure:"redis"`
	HTTP      HTTPConfig    `mapstructure:"http"`
}

// Default returns a Config with spec.md §6's defaults applied.
func Default() Config {
	return Config{
		Transport: TransportTCP,
		Engine: EngineConfig{
			PlcType:        "SLC 5/04",
			Src:            0,
			Dst:            1,
			TimeoutReadMsg: 500 * time.Millisecond,
			HistorySize:    20,
		},
		TCP: TCPConfig{
			Address: "127.0.0.1",
			Port:    44818,
			Timeout: 5 * time.Second,
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyUSB0",
			BaudRate: 19200,
			Parity:   "even",
			DataBits: 8,
			StopBits: "one",
			Timeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		HTTP: HTTPConfig{Addr: ":9110"},
	}
}

// BindFlags registers cmd's persistent flags and binds each to v, the
// same PersistentFlags+BindPFlag wiring as dittofs's command packages.
// Registration is idempotent: a caller may register flags once up front
// (so cobra recognizes them while parsing os.Args) and call BindFlags
// again later against a second viper instance (as Load does) without
// triggering pflag's redefined-flag panic.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	def := Default()
	flags := cmd.PersistentFlags()

	if flags.Lookup("transport") == nil {
		flags.String("config", "", "path to a YAML config file")
		flags.String("transport", string(def.Transport), "transport driver: tcp or serial")
		flags.String("plc-type", def.Engine.PlcType, "PLC model, e.g. 'SLC 5/04'")
		flags.Uint8("src", def.Engine.Src, "DF1 source node address")
		flags.Uint8("dst", def.Engine.Dst, "DF1 destination node address")
		flags.Duration("timeout-read-msg", def.Engine.TimeoutReadMsg, "reply wait timeout")
		flags.Int("history-size", def.Engine.HistorySize, "comm_history ring buffer capacity")
		flags.String("tcp-address", def.TCP.Address, "TCP transport host")
		flags.Int("tcp-port", def.TCP.Port, "TCP transport port")
		flags.String("serial-port", def.Serial.Port, "serial transport device path")
		flags.Int("serial-baud", def.Serial.BaudRate, "serial baud rate")
		flags.Bool("redis-enabled", def.Redis.Enabled, "publish diagnostics to Redis")
		flags.String("redis-addr", def.Redis.Addr, "Redis address")
		flags.String("http-addr", def.HTTP.Addr, "diagnostics HTTP server listen address")
	}

	for _, name := range []string{
		"transport", "plc-type", "src", "dst", "timeout-read-msg", "history-size",
		"tcp-address", "tcp-port", "serial-port", "serial-baud", "redis-enabled", "redis-addr", "http-addr",
	} {
		if err := v.BindPFlag(bindKey(name), flags.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %q: %w", name, err)
		}
	}
	return nil
}

// bindKey maps a kebab-case flag name onto the dotted mapstructure key
// it backs, e.g. "tcp-address" -> "tcp.address".
func bindKey(flag string) string {
	switch flag {
	case "transport":
		return "transport"
	case "plc-type":
		return "engine.plc_type"
	case "src":
		return "engine.src"
	case "dst":
		return "engine.dst"
	case "timeout-read-msg":
		return "engine.timeout_read_msg"
	case "history-size":
		return "engine.history_size"
	case "tcp-address":
		return "tcp.address"
	case "tcp-port":
		return "tcp.port"
	case "serial-port":
		return "serial.port"
	case "serial-baud":
		return "serial.baud_rate"
	case "redis-enabled":
		return "redis.enabled"
	case "redis-addr":
		return "redis.addr"
	case "http-addr":
		return "http.addr"
	default:
		return flag
	}
}

// Load builds a viper instance layering defaults, an optional YAML
// file, DF1_-prefixed environment variables, and cmd's bound flags (in
// ascending precedence), and unmarshals the result into a Config.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	applyDefaults(v, Default())

	v.SetEnvPrefix("DF1")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := BindFlags(cmd, v); err != nil {
		return Config{}, err
	}

	if path, _ := cmd.PersistentFlags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, def Config) {
	v.SetDefault("transport", def.Transport)
	v.SetDefault("engine.plc_type", def.Engine.PlcType)
	v.SetDefault("engine.src", def.Engine.Src)
	v.SetDefault("engine.dst", def.Engine.Dst)
	v.SetDefault("engine.seq_sleep_time", def.Engine.SeqSleepTime)
	v.SetDefault("engine.timeout_read_msg", def.Engine.TimeoutReadMsg)
	v.SetDefault("engine.history_size", def.Engine.HistorySize)
	v.SetDefault("tcp.address", def.TCP.Address)
	v.SetDefault("tcp.port", def.TCP.Port)
	v.SetDefault("tcp.timeout", def.TCP.Timeout)
	v.SetDefault("serial.port", def.Serial.Port)
	v.SetDefault("serial.baud_rate", def.Serial.BaudRate)
	v.SetDefault("serial.parity", def.Serial.Parity)
	v.SetDefault("serial.data_bits", def.Serial.DataBits)
	v.SetDefault("serial.stop_bits", def.Serial.StopBits)
	v.SetDefault("serial.timeout", def.Serial.Timeout)
	v.SetDefault("redis.enabled", def.Redis.Enabled)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("http.addr", def.HTTP.Addr)
}

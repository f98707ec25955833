package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceLive      = "live"
	SourceFile      = "file"
	SourceSimulator = "simulator"
)

type Config struct {
	Source struct {
		Mode        string        `yaml:"mode"` // live/file/simulator
		Interface   string        `yaml:"interface"`
		SnapLen     int32         `yaml:"snaplen"`
		Promiscuous bool          `yaml:"promiscuous"`
		Timeout     time.Duration `yaml:"timeout"`
		BPFFilter   string        `yaml:"bpf_filter"`
		PcapFile    string        `yaml:"pcap_file"`
		// 模拟流量参数
		SimulatorRate     float64       `yaml:"simulator_rate"`      // 背景流量包/秒
		SimulatorInterval time.Duration `yaml:"simulator_interval"`  // 两次攻击之间的平均间隔
		SimulatorTarget   string        `yaml:"simulator_target_ip"` // 模拟流量的目的地址
	} `yaml:"source"`

	Pipeline struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"pipeline"`

	Engine struct {
		WindowSize         int           `yaml:"window_size"`
		AttackThreshold    float64       `yaml:"attack_threshold"`
		BlockThreshold     float64       `yaml:"block_threshold"`
		BaselineMultiplier int           `yaml:"baseline_multiplier"`
		AttackLogSize      int           `yaml:"attack_log_size"`
		HistorySize        int           `yaml:"history_size"`
		ActiveWindow       time.Duration `yaml:"active_window"`
		SourceTTL          time.Duration `yaml:"source_ttl"`
	} `yaml:"engine"`

	Mitigation struct {
		Firewall       string        `yaml:"firewall"` // auto/iptables/netsh/none
		AttackLogFile  string        `yaml:"attack_log_file"`
		QueueSize      int           `yaml:"queue_size"`
		BlockRate      float64       `yaml:"block_rate"`
		BlockBurst     int           `yaml:"block_burst"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
	} `yaml:"mitigation"`

	RuleEngine struct {
		Enabled       bool   `yaml:"enabled"`
		RuleDirectory string `yaml:"rule_directory"`
	} `yaml:"rule_engine"`

	API struct {
		Enabled       bool          `yaml:"enabled"`
		Listen        string        `yaml:"listen"`
		StatsInterval time.Duration `yaml:"stats_interval"` // websocket 推送统计的间隔
		AttackTail    int           `yaml:"attack_tail"`    // stats 接口默认返回的攻击记录条数
	} `yaml:"api"`

	Notify struct {
		Webhook struct {
			URL     string        `yaml:"url"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"webhook"`
		NATS struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"notify"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`
		RotateTime int    `yaml:"rotate_time"`
	} `yaml:"log"`
}

// DefaultConfig 未在配置文件中出现的字段使用这里的默认值
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Source.Mode = SourceSimulator
	cfg.Source.SnapLen = 65535
	cfg.Source.Promiscuous = true
	cfg.Source.Timeout = time.Second
	cfg.Source.BPFFilter = "ip or ip6"
	cfg.Source.SimulatorRate = 10
	cfg.Source.SimulatorInterval = 30 * time.Second
	cfg.Source.SimulatorTarget = "192.168.1.100"

	cfg.Pipeline.BufferSize = 1024

	cfg.Engine.WindowSize = 100
	cfg.Engine.AttackThreshold = 0.75
	cfg.Engine.BlockThreshold = 0.9
	cfg.Engine.BaselineMultiplier = 3
	cfg.Engine.AttackLogSize = 100
	cfg.Engine.HistorySize = 300
	cfg.Engine.ActiveWindow = 60 * time.Second

	cfg.Mitigation.Firewall = "none"
	cfg.Mitigation.AttackLogFile = "logs/attacks.csv"
	cfg.Mitigation.QueueSize = 256
	cfg.Mitigation.BlockRate = 5
	cfg.Mitigation.BlockBurst = 10
	cfg.Mitigation.CommandTimeout = 5 * time.Second

	cfg.RuleEngine.RuleDirectory = "rules/"

	cfg.API.Enabled = true
	cfg.API.Listen = ":8080"
	cfg.API.StatsInterval = time.Second
	cfg.API.AttackTail = 10

	cfg.Notify.Webhook.Timeout = 5 * time.Second
	cfg.Notify.NATS.Subject = "ddos.alerts"

	cfg.Log.Level = "WARN"
	cfg.Log.Dir = "logs"
	cfg.Log.Filename = "ddos_detector.log"
	cfg.Log.MaxAge = 7
	cfg.Log.RotateTime = 24

	return cfg
}

func (c *Config) Validate() error {
	switch c.Source.Mode {
	case SourceLive:
		if c.Source.Interface == "" {
			return fmt.Errorf("interface name is required in live mode")
		}
	case SourceFile:
		if c.Source.PcapFile == "" {
			return fmt.Errorf("pcap file is required in file mode")
		}
	case SourceSimulator:
		if c.Source.SimulatorRate <= 0 {
			return fmt.Errorf("simulator rate must be positive")
		}
	default:
		return fmt.Errorf("unknown source mode: %q", c.Source.Mode)
	}

	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	if c.Engine.WindowSize < 2 {
		return fmt.Errorf("window size must be at least 2")
	}
	if c.Engine.AttackThreshold <= 0 || c.Engine.AttackThreshold >= 1 {
		return fmt.Errorf("attack threshold must be in (0, 1)")
	}
	if c.Engine.BlockThreshold < c.Engine.AttackThreshold || c.Engine.BlockThreshold >= 1 {
		return fmt.Errorf("block threshold must be in [attack_threshold, 1)")
	}
	if c.Engine.BaselineMultiplier <= 0 {
		return fmt.Errorf("baseline multiplier must be positive")
	}
	if c.Engine.SourceTTL < 0 {
		return fmt.Errorf("source ttl must not be negative")
	}
	switch c.Mitigation.Firewall {
	case "", "auto", "iptables", "netsh", "none":
	default:
		return fmt.Errorf("unknown firewall kind: %q", c.Mitigation.Firewall)
	}
	if c.RuleEngine.Enabled && c.RuleEngine.RuleDirectory == "" {
		return fmt.Errorf("rule directory is required when rule engine is enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api listen address is required")
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"strims-rpc/loadbalance"
)

// Config holds the settings of both commands. Values come from the
// defaults, then the YAML file named by --config, then explicit flags.
type Config struct {
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"`
	Addr            string        `yaml:"addr"`
	Etcd            []string      `yaml:"etcd"`
	EtcdPrefix      string        `yaml:"etcdPrefix"`
	Balancer        string        `yaml:"balancer"`
	CallTimeout     time.Duration `yaml:"callTimeout"`
	HandlerTimeout  time.Duration `yaml:"handlerTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimit       float64       `yaml:"rateLimit"` // served calls per second, 0 disables
	RateBurst       int           `yaml:"rateBurst"`
	LogLevel        string        `yaml:"logLevel"`
}

func defaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:7000",
		EtcdPrefix:      "/strims-rpc/",
		Balancer:        "round-robin",
		CallTimeout:     5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateBurst:       1,
		LogLevel:        "info",
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// flags are the command line values that override the config file.
type flags struct {
	config string
	cfg    Config
}

func (f *flags) register(cmd *cobra.Command) {
	d := defaultConfig()
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.config, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.cfg.Listen, "listen", d.Listen, "Address to listen on")
	fs.StringVar(&f.cfg.Advertise, "advertise", d.Advertise, "Address registered with etcd (defaults to the listen address)")
	fs.StringVar(&f.cfg.Addr, "addr", d.Addr, "Server address to call directly")
	fs.StringSliceVar(&f.cfg.Etcd, "etcd", d.Etcd, "Comma separated etcd endpoints")
	fs.StringVar(&f.cfg.EtcdPrefix, "etcd-prefix", d.EtcdPrefix, "Key prefix of service entries in etcd")
	fs.StringVar(&f.cfg.Balancer, "balancer", d.Balancer, "Load balancer - \"round-robin\", \"weighted-random\" or \"consistent-hash\"")
	fs.DurationVar(&f.cfg.CallTimeout, "call-timeout", d.CallTimeout, "Reply timeout of unary calls")
	fs.DurationVar(&f.cfg.HandlerTimeout, "handler-timeout", d.HandlerTimeout, "Deadline of each served call, 0 disables")
	fs.DurationVar(&f.cfg.ShutdownTimeout, "shutdown-timeout", d.ShutdownTimeout, "How long shutdown waits for running calls")
	fs.Float64Var(&f.cfg.RateLimit, "rate-limit", d.RateLimit, "Served calls per second, 0 disables")
	fs.IntVar(&f.cfg.RateBurst, "rate-burst", d.RateBurst, "Burst size of the rate limit")
	fs.StringVar(&f.cfg.LogLevel, "log-level", d.LogLevel, "Log level - debug, info, warn or error")
}

// resolve loads the config file and applies the flags that were set.
func (f *flags) resolve(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig(f.config)
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("listen", func() { cfg.Listen = f.cfg.Listen })
	set("advertise", func() { cfg.Advertise = f.cfg.Advertise })
	set("addr", func() { cfg.Addr = f.cfg.Addr })
	set("etcd", func() { cfg.Etcd = f.cfg.Etcd })
	set("etcd-prefix", func() { cfg.EtcdPrefix = f.cfg.EtcdPrefix })
	set("balancer", func() { cfg.Balancer = f.cfg.Balancer })
	set("call-timeout", func() { cfg.CallTimeout = f.cfg.CallTimeout })
	set("handler-timeout", func() { cfg.HandlerTimeout = f.cfg.HandlerTimeout })
	set("shutdown-timeout", func() { cfg.ShutdownTimeout = f.cfg.ShutdownTimeout })
	set("rate-limit", func() { cfg.RateLimit = f.cfg.RateLimit })
	set("rate-burst", func() { cfg.RateBurst = f.cfg.RateBurst })
	set("log-level", func() { cfg.LogLevel = f.cfg.LogLevel })

	if cfg.Advertise == "" {
		cfg.Advertise = cfg.Listen
	}
	return cfg, cfg.validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

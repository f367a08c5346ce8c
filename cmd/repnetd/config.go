package main

import (
	"os"
	"strings"
	"time"

	"github.com/HimbeerserverDE/repnet"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

var Config map[interface{}]interface{}

// envConfig holds the keys that may be overridden from the environment.
type envConfig struct {
	Role      string `env:"REPNET_ROLE"`
	Host      string `env:"REPNET_HOST"`
	Server    string `env:"REPNET_SERVER"`
	Transport string `env:"REPNET_TRANSPORT"`
	Backend   string `env:"REPNET_DB_BACKEND"`
	DBName    string `env:"REPNET_DB_NAME"`
	DBHost    string `env:"REPNET_DB_HOST"`
	DBUser    string `env:"REPNET_DB_USER"`
	DBPass    string `env:"REPNET_DB_PASSWORD"`
	NetSpeed  int    `env:"REPNET_NET_SPEED"`
	Scripts   string `env:"REPNET_SCRIPTS"`
}

// LoadConfig loads the configuration file and applies environment overrides.
// A missing file leaves every key at its default.
func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	Config = make(map[interface{}]interface{})

	err = yaml.Unmarshal(data, &Config)
	if err != nil {
		return err
	}

	var e envConfig
	if err := env.Parse(&e); err != nil {
		return err
	}

	overrides := []struct {
		key string
		v   interface{}
		set bool
	}{
		{"role", e.Role, e.Role != ""},
		{"host", e.Host, e.Host != ""},
		{"server", e.Server, e.Server != ""},
		{"transport", e.Transport, e.Transport != ""},
		{"db:backend", e.Backend, e.Backend != ""},
		{"db:name", e.DBName, e.DBName != ""},
		{"db:host", e.DBHost, e.DBHost != ""},
		{"db:user", e.DBUser, e.DBUser != ""},
		{"db:password", e.DBPass, e.DBPass != ""},
		{"net:speed", e.NetSpeed, e.NetSpeed != 0},
		{"scripts", e.Scripts, e.Scripts != ""},
	}
	for _, o := range overrides {
		if o.set {
			setConfKey(o.key, o.v)
		}
	}

	return nil
}

// ConfKey returns a key in the configuration
func ConfKey(key string) interface{} {
	keys := strings.Split(key, ":")
	c := Config
	for i := 0; i < len(keys)-1; i++ {
		sub, ok := c[keys[i]].(map[interface{}]interface{})
		if !ok {
			return nil
		}
		c = sub
	}

	return c[keys[len(keys)-1]]
}

func setConfKey(key string, v interface{}) {
	if Config == nil {
		Config = make(map[interface{}]interface{})
	}

	keys := strings.Split(key, ":")
	c := Config
	for i := 0; i < len(keys)-1; i++ {
		sub, ok := c[keys[i]].(map[interface{}]interface{})
		if !ok {
			sub = make(map[interface{}]interface{})
			c[keys[i]] = sub
		}
		c = sub
	}

	c[keys[len(keys)-1]] = v
}

func confString(key, def string) string {
	if s, ok := ConfKey(key).(string); ok {
		return s
	}
	return def
}

func confInt(key string, def int) int {
	if n, ok := ConfKey(key).(int); ok {
		return n
	}
	return def
}

func confBool(key string, def bool) bool {
	if b, ok := ConfKey(key).(bool); ok {
		return b
	}
	return def
}

// netConfig builds the transport configuration from the net section.
func netConfig() repnet.Config {
	cfg := repnet.DefaultConfig()

	cfg.MaxPacket = confInt("net:max_packet", cfg.MaxPacket)
	cfg.NetSpeed = confInt("net:speed", cfg.NetSpeed)
	cfg.Workers = confInt("net:workers", cfg.Workers)
	cfg.ResendTimeout = time.Duration(confInt("net:resend_timeout_ms", int(cfg.ResendTimeout/time.Millisecond))) * time.Millisecond
	cfg.KeepAliveTime = time.Duration(confInt("net:keepalive_ms", int(cfg.KeepAliveTime/time.Millisecond))) * time.Millisecond
	cfg.ConnectionTimeout = time.Duration(confInt("net:timeout_s", int(cfg.ConnectionTimeout/time.Second))) * time.Second

	return cfg
}

func tickInterval() time.Duration {
	rate := confInt("tick_rate", 20)
	if rate <= 0 {
		rate = 20
	}
	return time.Second / time.Duration(rate)
}

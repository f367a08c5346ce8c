package repnet

import (
	"errors"
	"log"
	"time"
)

// Config tunes a Driver and every Conn it creates.
type Config struct {
	// MaxPacket is the largest datagram in bytes.
	MaxPacket int

	// NetSpeed is the rate cap in bytes per second.
	NetSpeed int

	// ResendTimeout is the age after which unacknowledged control channel
	// bunches are resent without a nak.
	ResendTimeout time.Duration

	// KeepAliveTime is the longest a Conn stays silent.
	KeepAliveTime time.Duration

	// ConnectionTimeout closes a Conn that received nothing for this long.
	ConnectionTimeout time.Duration

	// Workers bounds how many connections are processed in parallel.
	Workers int

	// MaxReceivePerTick bounds how many datagrams one Driver.Tick drains.
	MaxReceivePerTick int

	Logger *log.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxPacket:         512,
		NetSpeed:          20000,
		ResendTimeout:     time.Second,
		KeepAliveTime:     200 * time.Millisecond,
		ConnectionTimeout: 15 * time.Second,
		Workers:           4,
		MaxReceivePerTick: 4096,
		Logger:            log.Default(),
	}
}

func (cfg *Config) validate() error {
	min := (packetHeaderBits + terminatorBits + maxBunchHeaderBits + 64 + 7) / 8
	if cfg.MaxPacket < min {
		return errors.New("repnet: max packet too small")
	}
	if cfg.MaxPacket*8 > MaxBunchBits+packetHeaderBits+terminatorBits+maxBunchHeaderBits {
		return errors.New("repnet: max packet too large")
	}
	if cfg.NetSpeed <= 0 {
		return errors.New("repnet: net speed must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxReceivePerTick <= 0 {
		cfg.MaxReceivePerTick = DefaultConfig().MaxReceivePerTick
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return nil
}

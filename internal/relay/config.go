package relay

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio/bargein"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Defaults for zero-valued [Config] fields.
const (
	DefaultUplinkQueue    = 8
	DefaultOutboundQueue  = 16
	DefaultControlQueue   = 32
	DefaultPlaybackFrame  = 2400 // 100 ms at 24 kHz
	DefaultInterruptLock  = 2 * time.Second
	DefaultSlowConnect    = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultReadLimit      = 1 << 20
)

// Config tunes every session started by a [Server]. A Config is copied into
// each session at start; later changes only affect new sessions.
type Config struct {
	// ProviderName labels metrics and logs.
	ProviderName string

	// Session is the upstream handshake configuration.
	Session s2s.SessionConfig

	Capture capture.Config
	BargeIn bargein.Config

	// PlaybackCapacity is the initial capacity hint of the playback queue.
	PlaybackCapacity int

	// PlaybackFrame is the largest number of samples enqueued as one playback
	// item. Longer upstream chunks are split so a flush takes effect quickly.
	PlaybackFrame int

	// UplinkQueue bounds encoded capture frames waiting for the upstream.
	// The oldest frame is dropped when full.
	UplinkQueue int

	// OutboundQueue bounds audio frames waiting for the downstream writer.
	// The oldest frame is dropped when full.
	OutboundQueue int

	// InterruptLock is the lease taken on the turn machine while an
	// interrupt is applied.
	InterruptLock time.Duration

	// SlowConnect triggers a warning when the upstream handshake takes longer.
	SlowConnect time.Duration

	// ConnectTimeout bounds the upstream dial and handshake.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each downstream write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProviderName == "" {
		c.ProviderName = "unknown"
	}
	if c.PlaybackFrame <= 0 {
		c.PlaybackFrame = DefaultPlaybackFrame
	}
	if c.UplinkQueue <= 0 {
		c.UplinkQueue = DefaultUplinkQueue
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.InterruptLock <= 0 {
		c.InterruptLock = DefaultInterruptLock
	}
	if c.SlowConnect <= 0 {
		c.SlowConnect = DefaultSlowConnect
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

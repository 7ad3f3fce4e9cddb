package fabric

import "time"

// Config holds transport settings shared by every channel endpoint.
type Config struct {
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration `yaml:"write_wait"`

	// Time allowed to read the next pong from the peer. Pings are sent
	// every 9/10 of this period.
	PongWait time.Duration `yaml:"pong_wait"`

	// Time to wait for the peer to acknowledge a close frame.
	CloseGrace time.Duration `yaml:"close_grace"`

	// Maximum frame size accepted from a peer.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// Length of the outbound and inbound frame buffers of a connection.
	SendBufferSize int `yaml:"send_buffer_size"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// Maximum simultaneous connections per listener. Zero means no limit.
	MaxConns int `yaml:"max_conns"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		CloseGrace:      time.Second,
		MaxMessageSize:  16 << 20,
		SendBufferSize:  256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		DialTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// FrameLimit is the largest frame an endpoint using c accepts. Both ends
// of a channel are expected to share it.
func (c Config) FrameLimit() int64 {
	return c.withDefaults().MaxMessageSize
}

func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

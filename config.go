package mapscale

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hnakamur/mapscale/collector"
	"github.com/hnakamur/mapscale/fabric"
	"github.com/hnakamur/mapscale/worker"
	"gopkg.in/yaml.v3"
)

// Ports of the five channel endpoints. Port 0 picks a free port.
type Ports struct {
	Work    int `yaml:"work"`
	Result  int `yaml:"result"`
	Control int `yaml:"control"`
	Wake    int `yaml:"wake"`
	Bundle  int `yaml:"bundle"`
}

type Config struct {
	// Host the endpoints bind to. Workers on other hosts need an address
	// they can reach.
	Host  string `yaml:"host"`
	Ports Ports  `yaml:"ports"`

	Transport fabric.Config `yaml:"transport"`
	Worker    worker.Config `yaml:"worker"`

	// StartTimeout bounds how long New waits for the local workers to
	// subscribe to the control channel.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// ShutdownTimeout bounds the QUIT broadcast and the collector's
	// terminate handshake.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Ports: Ports{
			Work:    5557,
			Result:  5558,
			Control: 5559,
			Wake:    5560,
			Bundle:  5561,
		},
		Transport:       fabric.DefaultConfig(),
		Worker:          worker.DefaultConfig(),
		StartTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EphemeralConfig is DefaultConfig with every port set to 0, so several
// dispatchers can run in one process.
func EphemeralConfig() Config {
	cfg := DefaultConfig()
	cfg.Ports = Ports{}
	return cfg
}

func (c Config) addr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) collectorAddrs() collector.Addrs {
	return collector.Addrs{
		Result: c.addr(c.Ports.Result),
		Wake:   c.addr(c.Ports.Wake),
		Bundle: c.addr(c.Ports.Bundle),
	}
}

// workerConfig is the configuration of one locally spawned worker.
func (c Config) workerConfig() worker.Config {
	wc := c.Worker
	wc.ID = ""
	wc.Transport = c.Transport
	return wc
}

// Command mapscale runs batches of jobs over a pool of workers.
//
// Usage:
//
//	mapscale run [flags] [numbers...]
//	mapscale worker [flags]
//	mapscale serve [flags]
//	mapscale client [flags]
//	mapscale bench [flags]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale"
	"github.com/hnakamur/mapscale/workfn"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"run", "run one batch with local workers and print the results", runCmd},
	{"worker", "run a worker attached to a remote dispatcher", workerCmd},
	{"serve", "serve batches over HTTP", serveCmd},
	{"client", "send batches to a running serve", clientCmd},
	{"bench", "measure batch latency and throughput", benchCmd},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mapscale <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nwork functions: %s\n", strings.Join(workfn.Names(), ", "))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(os.Args[2:]); err != nil {
			ltsvlog.Logger.Err(err)
			os.Exit(1)
		}
		return
	}
	if name == "-h" || name == "help" || name == "--help" {
		usage()
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

// commonFlags are accepted by every command that builds a dispatcher or
// a worker.
type commonFlags struct {
	config *string
	host   *string
	debug  *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config: fs.String("config", "", "YAML configuration file"),
		host:   fs.String("host", "", "host the channel endpoints bind to (overrides the config file)"),
		debug:  fs.Bool("debug", false, "enable debug logs"),
	}
}

func (f *commonFlags) load() (mapscale.Config, *ltsvlog.LTSVLogger, error) {
	logger := ltsvlog.NewLTSVLogger(os.Stderr, *f.debug)
	cfg := mapscale.DefaultConfig()
	if *f.config != "" {
		var err error
		if cfg, err = mapscale.LoadConfig(*f.config); err != nil {
			return cfg, logger, err
		}
	}
	if *f.host != "" {
		cfg.Host = *f.host
	}
	return cfg, logger, nil
}

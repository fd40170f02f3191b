package main

import (
	"flag"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/neurogrid/zerocopy/pkg/pool"
)

// byteSize is a size flag accepting humanized values such as 64KiB or 1GB.
type byteSize uint64

func (b *byteSize) String() string {
	if b == nil {
		return "0"
	}
	return humanize.IBytes(uint64(*b))
}

func (b *byteSize) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// ServeConfig is the configuration of the serve command.
type ServeConfig struct {
	Pool pool.Config `yaml:"pool"`

	LogLevel      string   `yaml:"log_level"`
	HTTPListen    string   `yaml:"http_listen_address"`
	TCPListen     string   `yaml:"tcp_listen_address"`
	UDPListen     string   `yaml:"udp_listen_address"`
	QUICListen    string   `yaml:"quic_listen_address"`
	P2PPort       int      `yaml:"p2p_port"`
	P2PMDNS       bool     `yaml:"p2p_mdns"`
	P2PPeers      []string `yaml:"p2p_peers"`
	RegionSize    byteSize `yaml:"region_size"`
	WatchSegments bool     `yaml:"watch_segments"`
}

func (cfg *ServeConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.Pool.RegisterFlags(f)
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.HTTPListen, "http.listen-address", ":9464", "Address serving /metrics.")
	f.StringVar(&cfg.TCPListen, "tcp.listen-address", "", "Address accepting TCP stream regions. Empty disables it.")
	f.StringVar(&cfg.UDPListen, "udp.listen-address", "", "Address receiving into a datagram region. Empty disables it.")
	f.StringVar(&cfg.QUICListen, "quic.listen-address", "", "Address accepting QUIC multiplexed regions. Empty disables it.")
	f.IntVar(&cfg.P2PPort, "p2p.port", -1, "libp2p listen port, 0 picks one. Negative disables the node.")
	f.BoolVar(&cfg.P2PMDNS, "p2p.mdns", false, "Discover libp2p peers on the local network.")
	cfg.RegionSize = 4 << 20
	f.Var(&cfg.RegionSize, "region.size", "Size of regions created for inbound connections.")
	f.BoolVar(&cfg.WatchSegments, "shm.watch", false, "Log shared memory segments appearing and going in the pool's shm directory.")
}

func (cfg *ServeConfig) Validate() error {
	if cfg.RegionSize == 0 {
		return errors.New("region size must be positive")
	}
	return cfg.Pool.Validate()
}

// loadConfig applies defaults, then the YAML file named by -config.file,
// then the remaining flags, so the command line wins.
func loadConfig(fs *flag.FlagSet, cfg *ServeConfig, args []string) error {
	cfg.RegisterFlags(fs)
	var file string
	fs.StringVar(&file, "config.file", "", "YAML file to load.")

	if path := configFileArg(args); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "read config file")
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return errors.Wrapf(err, "parse config file %s", path)
		}
	}

	// Registration stored the defaults and the file overwrote them; Parse
	// only touches flags present on the command line.
	if err := fs.Parse(args); err != nil {
		return err
	}
	return cfg.Validate()
}

func configFileArg(args []string) string {
	for i, a := range args {
		a = strings.TrimLeft(a, "-")
		switch {
		case strings.HasPrefix(a, "config.file="):
			return strings.TrimPrefix(a, "config.file=")
		case a == "config.file" && i+1 < len(args):
			return args[i+1]
		}
	}
	return ""
}

// Package config loads the fabric binaries' settings: command-line flags
// for the common knobs, merged over an optional YAML file for the denser
// inputs. Flags set explicitly on the command line win over file values.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// Coordinator holds one coordinator replica's settings.
type Coordinator struct {
	ZkHosts          []string `yaml:"zk_hosts"`
	PubHost          string   `yaml:"pub_host"`
	CoordinatorGroup string   `yaml:"coordinator_group"`
	ListenAddr       string   `yaml:"listen_addr"`
	StatePath        string   `yaml:"state_path"`
	MetricsBackend   string   `yaml:"metrics_backend"` // "prometheus" or "otel"
	SessionTimeout   time.Duration `yaml:"session_timeout"`
}

// DefaultCoordinator returns the single-box defaults.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		ZkHosts:          []string{"127.0.0.1:2181"},
		PubHost:          "127.0.0.1:4222",
		CoordinatorGroup: "default",
		ListenAddr:       ":8502",
		StatePath:        ":memory:",
		MetricsBackend:   "prometheus",
		SessionTimeout:   10 * time.Second,
	}
}

// PeerSync holds the peer-sync compute server's settings.
type PeerSync struct {
	NatsServer  string  `yaml:"nats_server"`
	MasterClock string  `yaml:"master_clock"`
	Period      float64 `yaml:"period"` // seconds
	ConfigPath  string  `yaml:"-"`      // topology file, flag-only
}

// DefaultPeerSync returns the single-box defaults.
func DefaultPeerSync() PeerSync {
	return PeerSync{
		NatsServer: "nats://127.0.0.1:4222",
		Period:     2.0,
	}
}

// LoadCoordinator registers the coordinator flags on fs, parses args, and
// merges: defaults ← YAML file (when --config is given) ← explicit flags.
func LoadCoordinator(fs *flag.FlagSet, args []string) (Coordinator, error) {
	defaults := DefaultCoordinator()
	var (
		zkHosts    = fs.String("zk_hosts", strings.Join(defaults.ZkHosts, ","), "Comma-separated ZooKeeper host:port list")
		pubHost    = fs.String("pub_host", defaults.PubHost, "NATS host:port")
		group      = fs.String("coordinator_group", defaults.CoordinatorGroup, "Coordinator election group")
		listen     = fs.String("listen", defaults.ListenAddr, "REST listen address")
		statePath  = fs.String("state", defaults.StatePath, "State store path (:memory: for ephemeral)")
		backend    = fs.String("metrics_backend", defaults.MetricsBackend, "Metrics backend: prometheus or otel")
		configPath = fs.String("config", "", "Optional YAML config file")
	)
	if err := fs.Parse(args); err != nil {
		return Coordinator{}, models.NewError("config.LoadCoordinator", models.KindInvalidArgument, err)
	}

	cfg := defaults
	if *configPath != "" {
		if err := loadYAML(*configPath, &cfg); err != nil {
			return Coordinator{}, err
		}
	}
	explicit := explicitFlags(fs)
	if explicit["zk_hosts"] || *configPath == "" {
		cfg.ZkHosts = splitHosts(*zkHosts)
	}
	if explicit["pub_host"] || cfg.PubHost == "" {
		cfg.PubHost = *pubHost
	}
	if explicit["coordinator_group"] || cfg.CoordinatorGroup == "" {
		cfg.CoordinatorGroup = *group
	}
	if explicit["listen"] || cfg.ListenAddr == "" {
		cfg.ListenAddr = *listen
	}
	if explicit["state"] || cfg.StatePath == "" {
		cfg.StatePath = *statePath
	}
	if explicit["metrics_backend"] || cfg.MetricsBackend == "" {
		cfg.MetricsBackend = *backend
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	return cfg, nil
}

// LoadPeerSync registers the peer-sync flags on fs and parses args over
// the defaults. It reads no YAML file: --config names the JSON topology
// file, which is only recorded in ConfigPath.
func LoadPeerSync(fs *flag.FlagSet, args []string) (PeerSync, error) {
	defaults := DefaultPeerSync()
	var (
		natsServer = fs.String("nats_server", defaults.NatsServer, "NATS server URL")
		master     = fs.String("master_clock", "", "Master node name")
		period     = fs.Float64("period", defaults.Period, "Reduction period in seconds")
		configPath = fs.String("config", "", "Topology config file (JSON: {nodes, edges})")
	)
	if err := fs.Parse(args); err != nil {
		return PeerSync{}, models.NewError("config.LoadPeerSync", models.KindInvalidArgument, err)
	}
	cfg := defaults
	cfg.NatsServer = *natsServer
	cfg.MasterClock = *master
	cfg.Period = *period
	cfg.ConfigPath = *configPath
	return cfg, nil
}

func loadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.NewError("config.loadYAML", models.KindConnection, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return models.NewError("config.loadYAML", models.KindInvalidArgument, err)
	}
	return nil
}

func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func splitHosts(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

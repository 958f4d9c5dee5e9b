package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// SecretKey seeds the at-rest encryption key for stored SSH private keys.
	// When empty, a random secret is generated once and kept in the settings table.
	SecretKey string `envconfig:"SECRET_KEY" default:""`
	APIToken  string `envconfig:"API_TOKEN" default:""`

	// SSH trust and key material
	KnownHostsPath string        `envconfig:"KNOWN_HOSTS_PATH" default:""`
	KeyDir         string        `envconfig:"KEY_DIR" default:""`
	KeyscanCommand string        `envconfig:"KEYSCAN_COMMAND" default:"ssh-keyscan"`
	KeyscanTimeout time.Duration `envconfig:"KEYSCAN_TIMEOUT" default:"10s"`

	// Connection bounds
	ConnectTimeout       time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	ProbeTimeout         time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`
	TunnelStartupTimeout time.Duration `envconfig:"TUNNEL_STARTUP_TIMEOUT" default:"10s"`
	TunnelFallbackPort   int           `envconfig:"TUNNEL_FALLBACK_PORT" default:"2375"`
	RemoteDockerSocket   string        `envconfig:"REMOTE_DOCKER_SOCKET" default:"/var/run/docker.sock"`

	InstancesFile   string `envconfig:"INSTANCES_FILE" default:""`
	HealthScheduler bool   `envconfig:"HEALTH_SCHEDULER" default:"true"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PORTDASH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDerivedDefaults()
}

// applyDerivedDefaults fills paths that default to locations under DataPath.
func (s *Settings) applyDerivedDefaults() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "portdash.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "portdash.log")
	}
	if s.KnownHostsPath == "" {
		s.KnownHostsPath = filepath.Join(s.DataPath, "ssh", "known_hosts")
	}
	if s.KeyDir == "" {
		s.KeyDir = filepath.Join(s.DataPath, "ssh", "keys")
	}
}

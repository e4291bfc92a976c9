// Package config loads the daemon and client library configuration
// constants from an INI file using gopkg.in/ini.v1.
package config

import (
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the run-time configuration constants of §6 (T, DROP_PROB,
// N), the reaper period, and the two IPC endpoints the daemon and library
// use to rendezvous (the shared-memory path and the broker's Unix socket
// path). B, S and MAX_MSG_SIZE are not part of Config: they are
// compile-time constants in internal/shmem.
type Config struct {
	RetransmitTimeout time.Duration // T
	DropProbability   float64       // DROP_PROB
	MaxSockets        int           // N
	ReaperPeriod      time.Duration

	ShmPath    string
	BrokerSock string
}

// Default returns the reference test configuration from §6: T=5s,
// DROP_PROB=0.05, N=10, reaper period = T.
func Default() Config {
	return Config{
		RetransmitTimeout: 5 * time.Second,
		DropProbability:   0.05,
		MaxSockets:        10,
		ReaperPeriod:      5 * time.Second,
		ShmPath:           "/dev/shm/ktpd.region",
		BrokerSock:        "/tmp/ktpd.sock",
	}
}

// Load reads an INI file at path, falling back to Default() for any key
// not present. A missing file is not an error: Default() is returned as-is,
// mirroring how the daemon's command-line flags already carry sane
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	transport := f.Section("transport")
	if key, err := transport.GetKey("retransmit_timeout_ms"); err == nil {
		if ms, err := key.Int(); err == nil {
			cfg.RetransmitTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if key, err := transport.GetKey("drop_probability"); err == nil {
		if p, err := key.Float64(); err == nil {
			cfg.DropProbability = p
		}
	}
	if key, err := transport.GetKey("max_sockets"); err == nil {
		if n, err := key.Int(); err == nil {
			cfg.MaxSockets = n
		}
	}

	daemon := f.Section("daemon")
	if key, err := daemon.GetKey("shm_path"); err == nil && key.String() != "" {
		cfg.ShmPath = key.String()
	}
	if key, err := daemon.GetKey("broker_sock"); err == nil && key.String() != "" {
		cfg.BrokerSock = key.String()
	}
	if key, err := daemon.GetKey("reaper_period_ms"); err == nil {
		if ms, err := key.Int(); err == nil {
			cfg.ReaperPeriod = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg, nil
}

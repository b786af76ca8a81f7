package config

import (
	"os"
	"strconv"

	"github.com/openpmem/rpmem/internal/transport"
)

// ClientConfig is the client library's environment-driven
// configuration (§6.2). There is no config file on the client side;
// every field is read from the process environment.
type ClientConfig struct {
	SSHCommand     string // RPMEM_SSH
	RemoteCommand  string // RPMEM_CMD, "|"-separated round-robin list
	EnableSockets  bool   // RPMEM_ENABLE_SOCKETS
	EnableVerbs    bool   // RPMEM_ENABLE_VERBS
	MaxNLanes      int    // RPMEM_MAX_NLANES, 0 = no clamp
	WorkQueueSize  int    // RPMEM_WORK_QUEUE_SIZE, 0 = provider default
}

// LoadClientConfig reads §6.2's environment variables, applying the
// same defaults-for-unset-values approach as the daemon's ApplyDefaults.
func LoadClientConfig() *ClientConfig {
	cfg := &ClientConfig{
		SSHCommand:    envOr("RPMEM_SSH", "ssh"),
		RemoteCommand: envOr("RPMEM_CMD", "rpmemd"),
		EnableSockets: envBool("RPMEM_ENABLE_SOCKETS"),
		EnableVerbs:   envBool("RPMEM_ENABLE_VERBS"),
	}
	if n, ok := transport.ParsePortOverride("RPMEM_MAX_NLANES"); ok {
		cfg.MaxNLanes = n
	}
	if n, ok := transport.ParsePortOverride("RPMEM_WORK_QUEUE_SIZE"); ok {
		cfg.WorkQueueSize = n
	}
	return cfg
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc reads an environment variable, like os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from HUTCH_* environment variables
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	var errs []string
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("HUTCH_DATA_DIR", &cfg.DataDir)
	str("HUTCH_LOG_LEVEL", &cfg.Log.Level)
	boolean("HUTCH_LOG_JSON", &cfg.Log.JSON)
	str("HUTCH_CONTAINERD_SOCKET", &cfg.Engine.Socket)
	str("HUTCH_CONTAINERD_NAMESPACE", &cfg.Engine.Namespace)
	integer("HUTCH_MAX_CONCURRENT_PULLS", &cfg.Pull.MaxConcurrent)
	duration("HUTCH_PULL_STALL_TIMEOUT", &cfg.Pull.StallTimeout)
	integer("HUTCH_PULL_MAX_ATTEMPTS", &cfg.Pull.MaxAttempts)
	list("HUTCH_MUTABLE_TAGS", &cfg.Pull.MutableTagPatterns)
	list("HUTCH_AUTH_HOSTS", &cfg.Pull.AuthHosts)
	duration("HUTCH_RUNNING_TIMEOUT", &cfg.Start.RunningTimeout)
	if v, ok := lookup("HUTCH_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

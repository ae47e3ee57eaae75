// Package config provides the env-driven configuration shared by the
// pb-mapper binaries, modeled on the atlas server's reflection-based
// UnmarshalEnv.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig configures cmd/pb-mapper-server.
type ServerConfig struct {
	// Addr is the rendezvous listen address. A non-zero --pb-mapper-port
	// flag overrides its port component.
	Addr string `env:"PB_MAPPER_ADDR=:7666"`

	// UseIPv6 requests binding the IPv6 wildcard in addition to (preferred
	// over) the IPv4 one; see DESIGN.md for why this isn't the literal
	// original behavior.
	UseIPv6 bool `env:"PB_MAPPER_USE_IPV6"`

	// ControlTimeout bounds how long a registered agent's control
	// connection may go silent before it is dropped.
	ControlTimeout time.Duration `env:"PB_MAPPER_CONTROL_TIMEOUT=30s"`

	// MetricsAddr, if set, serves Prometheus-format metrics there.
	MetricsAddr string `env:"PB_MAPPER_METRICS_ADDR"`

	LogLevel        zerolog.Level `env:"PB_MAPPER_LOG_LEVEL=info"`
	LogStdoutPretty bool          `env:"PB_MAPPER_LOG_PRETTY"`
}

// AgentConfig configures cmd/pb-mapper (both the local-server and
// local-client agent roles).
type AgentConfig struct {
	// Server is the rendezvous address to dial. The --pb-mapper-server
	// flag, when given, takes precedence over it at the CLI layer.
	Server string `env:"PB_MAPPER_SERVER"`

	// KeepAlive enables OS TCP keep-alive on local-service data legs.
	KeepAlive bool `env:"PB_MAPPER_KEEP_ALIVE"`

	LogLevel        zerolog.Level `env:"PB_MAPPER_LOG_LEVEL=info"`
	LogStdoutPretty bool          `env:"PB_MAPPER_LOG_PRETTY"`
}

// UnmarshalEnv unmarshals es (as from os.Environ or an env file) into c,
// applying the env tag's default for any variable not present in es.
func UnmarshalEnv(c any, es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, val, _ := strings.Cut(env, "=")
		if v, exists := em[key]; exists {
			val = v
		}

		cvf := cv.FieldByIndex(ctf.Index)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if strings.EqualFold(val, "on") {
				// spec.md §6.3 documents PB_MAPPER_KEEP_ALIVE=ON as the
				// enabling value, not a strconv.ParseBool-recognized one.
				cvf.SetBool(true)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s: parse %q as bool: %w", key, val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as duration: %w", key, val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as log level: %w", key, val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as addr:port: %w", key, val, err)
			}
		default:
			return fmt.Errorf("config: unhandled field type %T for %s", cvf.Interface(), key)
		}
	}
	return nil
}

// Command pb-mapper-server runs the rendezvous: the publicly reachable
// registry that pairs local-server agents with subscribing clients.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	"github.com/pg9182/pb-mapper/internal/config"
	"github.com/pg9182/pb-mapper/pkg/rendezvous"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help   bool
	Port   int
	UseV6  bool
	Pretty bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.IntVarP(&opt.Port, "pb-mapper-port", "p", 0, "Rendezvous listen port (default 7666, or PB_MAPPER_ADDR's port)")
	pflag.BoolVar(&opt.UseV6, "use-ipv6", false, "Also bind the IPv6 wildcard, preferred over IPv4 when both are reachable")
	pflag.BoolVar(&opt.Pretty, "pretty", false, "Pretty-print logs to stdout")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else if x, err := readEnv(pflag.Arg(0)); err == nil {
		e = x
	} else {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	var c config.ServerConfig
	if err := config.UnmarshalEnv(&c, e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if opt.UseV6 {
		c.UseIPv6 = true
	}
	if opt.Pretty {
		c.LogStdoutPretty = true
	}

	log := configureLogging(&c)

	addr := c.Addr
	if opt.Port != 0 {
		addr = rewritePort(addr, opt.Port)
	}

	srv := rendezvous.NewServer(log.With().Str("component", "rendezvous").Logger())
	if c.ControlTimeout > 0 {
		srv.ControlTimeout = c.ControlTimeout
	}

	lns, err := bindListeners(addr, c.UseIPv6)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind listener")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
			srv.Metrics().Set().WritePrometheus(w)
		})
		go func() {
			log.Info().Str("addr", c.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	errs := make(chan error, len(lns))
	for _, ln := range lns {
		ln := ln
		log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		go func() { errs <- srv.Serve(ln) }()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errs:
		log.Error().Err(err).Msg("listener stopped")
	}
	for _, ln := range lns {
		ln.Close()
	}
}

// bindListeners opens addr's port on tcp4 and, if useIPv6 is set, also on
// tcp6, with the IPv6 wildcard first so callers that only want one socket to
// actually use (e.g. a future single-accept-loop refactor) prefer it — the
// redesigned behavior spec.md §9's Open Question asks for, replacing the
// original's inverted "use_ipv6 disables IPv4" bug.
func bindListeners(addr string, useIPv6 bool) ([]net.Listener, error) {
	var lns []net.Listener
	if useIPv6 {
		if ln, err := net.Listen("tcp6", addr); err == nil {
			lns = append(lns, ln)
		}
	}
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		if len(lns) == 0 {
			return nil, err
		}
	} else {
		lns = append(lns, ln)
	}
	if len(lns) == 0 {
		return nil, err
	}
	return lns, nil
}

func rewritePort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func configureLogging(c *config.ServerConfig) zerolog.Logger {
	var w io.Writer = os.Stdout
	if c.LogStdoutPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(w).Level(c.LogLevel).With().Timestamp().Logger()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

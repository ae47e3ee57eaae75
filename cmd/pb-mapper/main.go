// Command pb-mapper runs a local-server or local-client agent against a
// rendezvous, or queries its status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/klauspost/compress/gzip"
	"github.com/pg9182/pb-mapper/internal/config"
	"github.com/pg9182/pb-mapper/internal/netutil"
	"github.com/pg9182/pb-mapper/pkg/localclient"
	"github.com/pg9182/pb-mapper/pkg/localserver"
	"github.com/pg9182/pb-mapper/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help       bool
	Server     string
	KeepAlive  bool
	Codec      bool
	Pretty     bool
	Key        string
	Addr       string
	ListenAddr string
	EnvFile    string
	JSON       bool
	GzipTo     string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.Server, "pb-mapper-server", "p", "", "Rendezvous ip:port (default from PB_MAPPER_SERVER)")
	pflag.BoolVarP(&opt.KeepAlive, "keep-alive", "k", false, "Enable OS TCP keep-alive on local-service data legs")
	pflag.BoolVarP(&opt.Codec, "codec", "c", false, "Enable session encryption")
	pflag.BoolVar(&opt.Pretty, "pretty", false, "Pretty-print logs to stdout")
	pflag.StringVar(&opt.Key, "key", "", "Key registered with the rendezvous for this service")
	pflag.StringVar(&opt.Addr, "addr", "", "Private service address (tcp-server/udp-server)")
	pflag.StringVar(&opt.ListenAddr, "listen", "", "Local listen address exposed to users (tcp-client/udp-client)")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Read config from this file instead of the process environment")
	pflag.BoolVar(&opt.JSON, "json", false, "Print status output as JSON")
	pflag.StringVar(&opt.GzipTo, "gzip-to", "", "Also write the JSON status dump, gzip-compressed, to this file")
}

func main() {
	pflag.Parse()

	if opt.Help || pflag.NArg() < 1 || pflag.NArg() > 2 {
		fmt.Printf("usage: %s [options] <udp-server|tcp-server|udp-client|tcp-client|status> [remote-id|keys]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if opt.EnvFile == "" {
		e = os.Environ()
	} else if x, err := readEnv(opt.EnvFile); err == nil {
		e = x
	} else {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	var c config.AgentConfig
	if err := config.UnmarshalEnv(&c, e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if opt.KeepAlive {
		c.KeepAlive = true
	}
	if opt.Pretty {
		c.LogStdoutPretty = true
	}

	server := opt.Server
	if server == "" {
		server = c.Server
	}
	if server == "" {
		fmt.Fprintln(os.Stderr, "error: no rendezvous address given (--pb-mapper-server or PB_MAPPER_SERVER)")
		os.Exit(1)
	}

	log := configureLogging(&c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch pflag.Arg(0) {
	case "udp-server":
		runServer(ctx, log, netutil.UDPProvider{}, server, c.KeepAlive)
	case "tcp-server":
		runServer(ctx, log, netutil.TCPProvider{}, server, c.KeepAlive)
	case "udp-client":
		runClient(ctx, log, netutil.UDPProvider{}, server)
	case "tcp-client":
		runClient(ctx, log, netutil.TCPProvider{}, server)
	case "status":
		runStatus(server)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown subcommand %q\n", pflag.Arg(0))
		os.Exit(2)
	}
}

func requireFlag(name, val string) {
	if val == "" {
		fmt.Fprintf(os.Stderr, "error: --%s is required\n", name)
		os.Exit(2)
	}
}

func runServer(ctx context.Context, log zerolog.Logger, provider netutil.StreamProvider, server string, keepAlive bool) {
	requireFlag("key", opt.Key)
	requireFlag("addr", opt.Addr)

	agent := &localserver.Agent{
		Log:        log.With().Str("component", "localserver").Logger(),
		Key:        opt.Key,
		RemoteAddr: server,
		LocalAddr:  opt.Addr,
		Provider:   provider,
		NeedCodec:  opt.Codec,
		KeepAlive:  keepAlive,
	}
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}

func runClient(ctx context.Context, log zerolog.Logger, provider netutil.StreamProvider, server string) {
	requireFlag("key", opt.Key)
	requireFlag("listen", opt.ListenAddr)

	agent := &localclient.Agent{
		Log:        log.With().Str("component", "localclient").Logger(),
		Key:        opt.Key,
		RemoteAddr: server,
		ListenAddr: opt.ListenAddr,
		Provider:   provider,
	}
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}

func runStatus(server string) {
	if pflag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "error: status requires an operation: remote-id or keys")
		os.Exit(2)
	}

	var op wire.StatusOp
	switch pflag.Arg(1) {
	case "remote-id":
		op = wire.StatusOpRemoteIDs
	case "keys":
		op = wire.StatusOpKeys
	default:
		fmt.Fprintf(os.Stderr, "error: unknown status operation %q\n", pflag.Arg(1))
		os.Exit(2)
	}

	resp, err := localclient.QueryStatus(server, op)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if opt.GzipTo != "" {
		if err := writeGzippedJSON(opt.GzipTo, op, resp); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	if opt.JSON {
		printStatusJSON(os.Stdout, op, resp)
		return
	}

	switch op {
	case wire.StatusOpRemoteIDs:
		for _, id := range resp.RemoteIDs {
			fmt.Println(id)
		}
	case wire.StatusOpKeys:
		for _, k := range resp.Keys {
			fmt.Println(k)
		}
	}
}

// statusJSON is the shape printed for --json and written (gzip-compressed)
// for --gzip-to; only the field matching op is populated.
type statusJSON struct {
	RemoteIDs []uint32 `json:"remote_ids,omitempty"`
	Keys      []string `json:"keys,omitempty"`
}

func statusJSONFor(op wire.StatusOp, resp wire.ConnResponse) statusJSON {
	switch op {
	case wire.StatusOpRemoteIDs:
		return statusJSON{RemoteIDs: resp.RemoteIDs}
	default:
		return statusJSON{Keys: resp.Keys}
	}
}

func printStatusJSON(w io.Writer, op wire.StatusOp, resp wire.ConnResponse) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(statusJSONFor(op, resp))
}

// writeGzippedJSON writes the JSON status dump to path, gzip-compressed,
// mirroring atlas's gzip.NewWriter usage for its HAR dumps.
func writeGzippedJSON(path string, op wire.StatusOp, resp wire.ConnResponse) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(statusJSONFor(op, resp)); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return zw.Close()
}

func configureLogging(c *config.AgentConfig) zerolog.Logger {
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/relaywire/gotun/config"
	"github.com/relaywire/gotun/core"
)

const version = "0.1.0"

var help = `
  Usage: gotun [command] [--help]

  Version: ` + version + `

  Commands:
    server - runs gotun in server mode
    client - runs gotun in client mode

`

func sigHandler(ctx context.Context, cancel context.CancelFunc, logger core.Logger, stats func() *core.ConnStats) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGUSR2 {
				logger.ILogf("stats: %s", stats())
				continue
			}
			logger.ILogf("%s received; shutting down", s)
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func generatePidFile(logger core.Logger) {
	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile("gotun.pid", pid, 0644); err != nil {
		logger.Fatalf("writing pid file: %s", err)
	}
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	versionFlag := flag.Bool("version", false, "")
	v := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	if *versionFlag || *v {
		fmt.Println(version)
		return
	}

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		runServer(ctx, ctxCancel, args)
	case "client":
		runClient(ctx, ctxCancel, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var commonHelp = `
    -c, --config Path to a JSON config file (host, port, servers, key,
    presets, redirect, timeout, transport, cafile, cert, certkey, profile,
    log_level). --key, --redirect, --cafile, --cert, --certkey,
    --fingerprint and --profile override the file when given; --port,
    --timeout, --transport, and the client's --host and <server>s only
    fill fields the file leaves unset; a server --host other than 0.0.0.0
    overrides the file. The file's log_level is validated, but the log
    level in effect comes from --log-level and -q alone.

    -w, --watch Re-read --config on change and swap it in for newly
    accepted connections (default true; only takes effect with --config).

    --profile=<path> Write a JSON-lines teardown record per relay to
    the given path at shutdown, replacing any existing file.

    --log-level One of trace, debug, info, warning, error, fatal
    (default info).

    -q, --quiet Equivalent to --log-level=error.

    --pid Generate a pid file in the current working directory.

    --help This help text.

  Signals:
    gotun is listening for:
      a SIGUSR2 to print open/total relay counts to the log, and
      a SIGINT or SIGTERM to shut down gracefully.

  Version: ` + version + `
`

var serverHelp = `
  Usage: gotun server [options]

  Options:

    --host Listening host/interface (default 0.0.0.0).

    --port, -p Listening port (default 1080).

    --key Shared secret seeding the exp-base-auth-stream handshake
    (required unless given via --config).

    --redirect host:port to splice raw bytes to when a preset rejects the
    handshake, instead of closing the connection outright.

    --transport tcp, ws, or h2 (default tcp).

    --cert, --certkey TLS certificate/key pair, required when
    --transport=h2.

    --timeout Idle timeout in seconds before a relay is torn down
    (default 600).
` + commonHelp

// buildPresets synthesizes the single-preset chain an un-filed CLI
// invocation implies: exp-base-auth-stream with method aes-256-ctr. The
// shared secret itself is carried on CoreConfig.Key and injected by
// BuildPipeline, not duplicated here.
func buildPresets() []core.PresetSpec {
	return []core.PresetSpec{
		{Name: "exp-base-auth-stream", Params: core.PresetParams{"method": "aes-256-ctr"}},
	}
}

func loadOrBuildConfig(role core.Role, configPath string, watch bool, logger core.Logger, overrides func(*core.CoreConfig)) (core.ConfigSource, func() error, error) {
	if configPath != "" {
		if watch {
			w, err := config.NewWatcher(logger, configPath, role, overrides)
			if err != nil {
				return nil, nil, err
			}
			if err := w.Start(); err != nil {
				return nil, nil, err
			}
			return w, w.Stop, nil
		}
		cc, err := config.Load(configPath, role)
		if err != nil {
			return nil, nil, err
		}
		overrides(cc)
		if err := cc.Validate(); err != nil {
			return nil, nil, err
		}
		return core.StaticConfig(cc), func() error { return nil }, nil
	}

	cc := &core.CoreConfig{Role: role}
	overrides(cc)
	if err := cc.Validate(); err != nil {
		return nil, nil, err
	}
	return core.StaticConfig(cc), func() error { return nil }, nil
}

func runServer(ctx context.Context, cancel context.CancelFunc, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)

	host := flags.String("host", "0.0.0.0", "")
	p := flags.Int("p", 0, "")
	port := flags.Int("port", 1080, "")
	key := flags.String("key", "", "")
	configPath := flags.String("config", "", "")
	flags.StringVar(configPath, "c", "", "")
	redirect := flags.String("redirect", "", "")
	transport := flags.String("transport", "tcp", "")
	cafile := flags.String("cafile", "", "")
	certFile := flags.String("cert", "", "")
	keyFile := flags.String("certkey", "", "")
	timeout := flags.Int("timeout", 600, "")
	logLevel := flags.String("log-level", "info", "")
	quiet := flags.Bool("quiet", false, "")
	flags.BoolVar(quiet, "q", false, "")
	watch := flags.Bool("watch", true, "")
	flags.BoolVar(watch, "w", true, "")
	profile := flags.String("profile", "", "")
	pid := flags.Bool("pid", false, "")

	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}

	if *port == 1080 && *p != 0 {
		*port = *p
	}

	level := core.StringToLogLevel(*logLevel)
	if *quiet {
		level = core.LogLevelError
	}
	if level == core.LogLevelUnknown {
		level = core.LogLevelInfo
	}
	logger := core.NewLogger("server", level)

	if *pid {
		generatePidFile(logger)
	}

	configs, stop, err := loadOrBuildConfig(core.RoleServer, *configPath, *watch, logger, func(cc *core.CoreConfig) {
		if *host != "0.0.0.0" || cc.Host == "" {
			cc.Host = *host
		}
		if cc.Port == 0 {
			cc.Port = uint16(*port)
		}
		if *key != "" {
			cc.Key = *key
		}
		if len(cc.Presets) == 0 && cc.Key != "" {
			cc.Presets = buildPresets()
		}
		if *redirect != "" {
			cc.Redirect = *redirect
		}
		if cc.Transport == "" {
			cc.Transport = core.Transport(*transport)
		}
		if *cafile != "" {
			cc.CAFile = *cafile
		}
		if *certFile != "" {
			cc.CertFile = *certFile
		}
		if *keyFile != "" {
			cc.KeyFile = *keyFile
		}
		if cc.Timeout == 0 {
			cc.Timeout = *timeout
		}
		if *profile != "" {
			cc.Profile = *profile
		}
	})
	if err != nil {
		logger.Fatalf("loading config: %s", err)
	}
	defer stop()

	hub := core.NewServerHub(logger, configs)
	if p := profilePath(configs.Current().Profile); p != "" {
		sink := core.NewJSONLProfile()
		hub.SetProfileSink(sink)
		defer func() {
			if err := sink.WriteFile(p); err != nil {
				logger.ELogf("writing profile %s: %s", p, err)
			}
		}()
	}

	if err := hub.Run(ctx); err != nil {
		logger.Fatalf("server exited: %s", err)
	}
	go sigHandler(ctx, cancel, logger, hub.Stats)
	<-ctx.Done()
	hub.StartShutdown(nil)
	hub.WaitShutdown()
	logger.ILogf("exiting")
}

var clientHelp = `
  Usage: gotun client [options] <server> [<server> ...]

  <server>s are host:port addresses of gotun servers to dial, tried in
  order with exponential backoff across the whole list.

  Options:

    --host, --port Local SOCKS5 listening address (default 127.0.0.1:1080).

    --key Shared secret matching the server's --key.

    --transport tcp, ws, or h2 (default tcp).

    --cafile CA bundle used to verify an h2 server's certificate.

    --fingerprint SHA256 fingerprint (hex, optionally colon-separated) to
    pin the server's certificate against, checked alongside --cafile
    (which --transport=h2 requires).

    --timeout Idle timeout in seconds before a relay is torn down
    (default 600).
` + commonHelp

func runClient(ctx context.Context, cancel context.CancelFunc, args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)

	host := flags.String("host", "127.0.0.1", "")
	port := flags.Int("port", 1080, "")
	key := flags.String("key", "", "")
	configPath := flags.String("config", "", "")
	flags.StringVar(configPath, "c", "", "")
	transport := flags.String("transport", "tcp", "")
	cafile := flags.String("cafile", "", "")
	fingerprint := flags.String("fingerprint", "", "")
	timeout := flags.Int("timeout", 600, "")
	logLevel := flags.String("log-level", "info", "")
	quiet := flags.Bool("quiet", false, "")
	flags.BoolVar(quiet, "q", false, "")
	watch := flags.Bool("watch", true, "")
	flags.BoolVar(watch, "w", true, "")
	profile := flags.String("profile", "", "")
	pid := flags.Bool("pid", false, "")

	flags.Usage = func() {
		fmt.Print(clientHelp)
		os.Exit(1)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}
	servers := flags.Args()

	level := core.StringToLogLevel(*logLevel)
	if *quiet {
		level = core.LogLevelError
	}
	if level == core.LogLevelUnknown {
		level = core.LogLevelInfo
	}
	logger := core.NewLogger("client", level)

	if *pid {
		generatePidFile(logger)
	}

	if len(servers) == 0 && *configPath == "" {
		logger.Fatalf("at least one server address is required")
	}

	configs, stop, err := loadOrBuildConfig(core.RoleClient, *configPath, *watch, logger, func(cc *core.CoreConfig) {
		if cc.Host == "" {
			cc.Host = *host
		}
		if cc.Port == 0 {
			cc.Port = uint16(*port)
		}
		if *key != "" {
			cc.Key = *key
		}
		if len(cc.Presets) == 0 && cc.Key != "" {
			cc.Presets = buildPresets()
		}
		if len(cc.Servers) == 0 {
			cc.Servers = servers
		}
		if cc.Transport == "" {
			cc.Transport = core.Transport(*transport)
		}
		if *cafile != "" {
			cc.CAFile = *cafile
		}
		if *fingerprint != "" {
			cc.Fingerprint = *fingerprint
		}
		if cc.Timeout == 0 {
			cc.Timeout = *timeout
		}
		if *profile != "" {
			cc.Profile = *profile
		}
	})
	if err != nil {
		logger.Fatalf("loading config: %s", err)
	}
	defer stop()

	hub := core.NewClientHub(logger, configs)
	if p := profilePath(configs.Current().Profile); p != "" {
		sink := core.NewJSONLProfile()
		hub.SetProfileSink(sink)
		defer func() {
			if err := sink.WriteFile(p); err != nil {
				logger.ELogf("writing profile %s: %s", p, err)
			}
		}()
	}

	if err := hub.Run(ctx); err != nil {
		logger.Fatalf("client exited: %s", err)
	}
	go sigHandler(ctx, cancel, logger, hub.Stats)
	<-ctx.Done()
	hub.StartShutdown(nil)
	hub.WaitShutdown()
	logger.ILogf("exiting")
}

// profilePath resolves the configured profile path (--profile, or the
// config file's profile field) to a concrete file path.
// An empty value means profiling was not requested.
func profilePath(flagValue string) string {
	return flagValue
}

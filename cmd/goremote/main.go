package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/chronologos/goremote/internal/auth"
	"github.com/chronologos/goremote/internal/client"
	"github.com/chronologos/goremote/internal/config"
	"github.com/chronologos/goremote/internal/inject"
	"github.com/chronologos/goremote/internal/server"
	"github.com/chronologos/goremote/internal/transport"
	"github.com/chronologos/goremote/internal/version"
)

// passwordEnv lets scripts pass the login password without a prompt.
const passwordEnv = "GOREMOTE_PASSWORD"

// globalFlags holds double-dash flags parsed from os.Args before dispatch.
// rest contains the remaining arguments with global flags stripped.
type globalFlags struct {
	version bool
	tcp     bool
	script  bool
	profile bool
	rest    []string
}

func (g globalFlags) dialMode() transport.Mode {
	if g.tcp {
		return transport.ModeTCP
	}
	return transport.ModeQUIC
}

// parseGlobalFlags extracts double-dash flags from os.Args and returns
// the parsed values plus remaining args.
func parseGlobalFlags() globalFlags {
	var g globalFlags
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--version":
			g.version = true
		case "--tcp":
			g.tcp = true
		case "--script":
			g.script = true
		case "--profile":
			g.profile = true
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: goremote serve -c <config.toml>")
	fmt.Fprintln(os.Stderr, "       goremote connect [--tcp] [--script] [--profile] -p <port> -k <server.pub> -u <user> [host]")
	fmt.Fprintln(os.Stderr, "       goremote keygen -o <prefix>")
	fmt.Fprintln(os.Stderr, "       goremote hashpw")
	fmt.Fprintln(os.Stderr, "       goremote version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --version   print version and exit")
	fmt.Fprintln(os.Stderr, "  --tcp       connect over TCP instead of QUIC")
	fmt.Fprintln(os.Stderr, "  --script    read script commands from stdin instead of typing")
	fmt.Fprintln(os.Stderr, "  --profile   emit RTT/traffic stats to stderr")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "While connected, ~. ends the session and ~! also asks the server to exit.")
	fmt.Fprintf(os.Stderr, "The password is read from $%s or prompted for.\n", passwordEnv)
}

func main() {
	gf := parseGlobalFlags()

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Println(version.String())
		os.Exit(0)
	}
	if len(gf.rest) == 0 {
		usage()
		os.Exit(1)
	}

	args := gf.rest[1:]
	switch gf.rest[0] {
	case "serve":
		runServer(args)
	case "connect":
		runClient(gf, args)
	case "keygen":
		runKeygen(args)
	case "hashpw":
		runHashPassword()
	default:
		usage()
		os.Exit(1)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("c", "", "path to the TOML config file (required)")
	fs.Parse(args)

	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "error: -c <config.toml> is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		fatalf("error: %v", err)
	}
	key, err := auth.LoadPrivateKeyFile(cfg.Server.PrivateKeyFile)
	if err != nil {
		fatalf("error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	srv, err := server.New(server.Config{
		Port:          cfg.Server.Port,
		Mode:          cfg.Mode(),
		Key:           key,
		Users:         cfg.Users(),
		AllowShutdown: cfg.Server.AllowShutdown,
		PingInterval:  cfg.Server.PingInterval,
		AuthTimeout:   cfg.Server.AuthTimeout,
		NewInjector:   injectorFactory(cfg.Injector),
		Logger:        logger,
	})
	if err != nil {
		fatalf("error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-srv.Ready
		logger.Info("listening", "port", srv.Port, "transport", cfg.Mode().String(), "injector", cfg.Injector.Kind)
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("server exited: %v", err)
	}
}

// injectorFactory builds the per-connection injector the config selects.
func injectorFactory(cfg *config.Injector) server.InjectorFactory {
	switch cfg.Kind {
	case config.InjectorPTY:
		return func(log *slog.Logger) (inject.Injector, error) {
			inj, err := inject.NewPTYInjector(cfg.Shell, os.Stdout, log)
			if err != nil {
				return nil, err
			}
			return inj, nil
		}
	default:
		return func(log *slog.Logger) (inject.Injector, error) {
			return inject.NewLogInjector(log), nil
		}
	}
}

func runClient(gf globalFlags, args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	port := fs.Int("p", config.DefaultPort, "port to connect to")
	keyPath := fs.String("k", "", "server public key file (required)")
	user := fs.String("u", "", "user name (required)")
	fs.Parse(args)

	if *keyPath == "" {
		fmt.Fprintln(os.Stderr, "error: -k <server.pub> is required")
		fs.Usage()
		os.Exit(1)
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: -u <user> is required")
		fs.Usage()
		os.Exit(1)
	}

	pub, err := auth.LoadPublicKeyFile(*keyPath)
	if err != nil {
		fatalf("error: %v", err)
	}

	password, ok := os.LookupEnv(passwordEnv)
	if !ok {
		password, err = readPassword(fmt.Sprintf("%s's password: ", *user))
		if err != nil {
			fatalf("error: %v", err)
		}
	}

	host := "127.0.0.1"
	if fs.NArg() > 0 {
		host = fs.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		Host:      host,
		Port:      *port,
		Mode:      gf.dialMode(),
		ServerKey: pub,
		User:      *user,
		Password:  password,
		Script:    gf.script,
		Profile:   gf.profile,
	})
	if err := c.Run(ctx); err != nil {
		fatalf("client exited: %v", err)
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	prefix := fs.String("o", "server", "output prefix; writes <prefix>.pem and <prefix>.pub")
	fs.Parse(args)

	key, err := auth.GenerateKey()
	if err != nil {
		fatalf("error: %v", err)
	}
	privPath, pubPath := *prefix+".pem", *prefix+".pub"
	if err := auth.WriteKeyFiles(key, privPath, pubPath); err != nil {
		fatalf("error: %v", err)
	}
	fmt.Printf("wrote %s (keep private) and %s (give to clients)\n", privPath, pubPath)
}

func runHashPassword() {
	pw, err := readPassword("password: ")
	if err != nil {
		fatalf("error: %v", err)
	}
	again, err := readPassword("again: ")
	if err != nil {
		fatalf("error: %v", err)
	}
	if pw != again {
		fatalf("error: passwords do not match")
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		fatalf("error: %v", err)
	}
	fmt.Println(hash)
}

// readPassword prompts on the controlling terminal, so it works while
// stdin carries a script.
func readPassword(prompt string) (string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return "", fmt.Errorf("no terminal to prompt for a password; set $%s", passwordEnv)
		}
		fmt.Fprint(os.Stderr, prompt)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(pw), err
	}
	defer tty.Close()

	fmt.Fprint(tty, prompt)
	pw, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

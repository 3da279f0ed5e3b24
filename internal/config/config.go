// Package config loads the server configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chronologos/goremote/internal/auth"
	"github.com/chronologos/goremote/internal/transport"
)

const (
	DefaultPort         = 7780
	DefaultTransport    = "dual"
	DefaultPingInterval = 5 * time.Second
	DefaultAuthTimeout  = 10 * time.Second
	DefaultLogLevel     = "info"
	DefaultInjector     = InjectorLog
	DefaultShell        = "/bin/sh"
)

// Injector kinds.
const (
	InjectorLog = "log"
	InjectorPTY = "pty"
)

// Server is the listener and session configuration.
type Server struct {
	// Port is the TCP and/or UDP port to listen on. 0 picks a free port.
	Port int

	// Transport is one of "quic", "tcp" or "dual".
	Transport string

	// PrivateKeyFile is the PEM RSA key clients encrypt their handshake to.
	// A relative path is resolved against the config file's directory.
	PrivateKeyFile string

	// AllowShutdown lets an authenticated client stop the server with a
	// shutdown request. Otherwise it only ends that client's session.
	AllowShutdown bool

	// PingInterval is how often each authenticated client is pinged. A
	// ping still unanswered at the next tick closes the connection.
	PingInterval time.Duration

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration

	// LogLevel is one of "debug", "info", "warn" or "error".
	LogLevel string
}

// Injector selects where received commands go.
type Injector struct {
	// Kind is "log" to only log commands or "pty" to type them into a shell.
	Kind string

	// Shell is the program the pty injector runs.
	Shell string
}

// User is one login. PasswordHash is a bcrypt hash, see "goremote hashpw".
type User struct {
	Name         string
	PasswordHash string
}

// Config is the top level server configuration.
type Config struct {
	Server   *Server
	Injector *Injector
	User     []*User
}

// FixupAndValidate applies defaults and returns an error if the config is
// not usable.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if c.Injector == nil {
		c.Injector = &Injector{}
	}

	s := c.Server
	if s.Port < 0 || s.Port > 0xFFFF {
		return fmt.Errorf("config: Server: Port %d is out of range", s.Port)
	}
	if s.Transport == "" {
		s.Transport = DefaultTransport
	}
	if _, err := transport.ParseMode(s.Transport); err != nil {
		return fmt.Errorf("config: Server: %w", err)
	}
	if s.PrivateKeyFile == "" {
		return errors.New("config: Server: PrivateKeyFile is not set")
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PingInterval < 0 {
		return fmt.Errorf("config: Server: PingInterval %v is negative", s.PingInterval)
	}
	if s.AuthTimeout == 0 {
		s.AuthTimeout = DefaultAuthTimeout
	}
	if s.AuthTimeout < 0 {
		return fmt.Errorf("config: Server: AuthTimeout %v is negative", s.AuthTimeout)
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return fmt.Errorf("config: Server: %w", err)
	}

	switch c.Injector.Kind {
	case "":
		c.Injector.Kind = DefaultInjector
	case InjectorLog, InjectorPTY:
	default:
		return fmt.Errorf("config: Injector: unknown Kind %q", c.Injector.Kind)
	}
	if c.Injector.Shell == "" {
		c.Injector.Shell = DefaultShell
	}

	if len(c.User) == 0 {
		return errors.New("config: No User blocks were present")
	}
	seen := make(map[string]bool)
	for i, u := range c.User {
		if u.Name == "" {
			return fmt.Errorf("config: User %d: Name is not set", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("config: User %q is defined more than once", u.Name)
		}
		seen[u.Name] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("config: User %q: PasswordHash is not a bcrypt hash", u.Name)
		}
	}
	return nil
}

// Users returns the credential table built from the User blocks.
func (c *Config) Users() auth.Users {
	users := make(auth.Users, len(c.User))
	for _, u := range c.User {
		users[u.Name] = u.PasswordHash
	}
	return users
}

// Mode returns the parsed transport mode. Only valid after FixupAndValidate.
func (c *Config) Mode() transport.Mode {
	m, _ := transport.ParseMode(c.Server.Transport)
	return m
}

// Level returns the parsed log level. Only valid after FixupAndValidate.
func (c *Config) Level() slog.Level {
	l, _ := ParseLogLevel(c.Server.LogLevel)
	return l
}

// ParseLogLevel parses a level name as accepted by slog.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("bad LogLevel %q", s)
	}
	return l, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config. A relative PrivateKeyFile is resolved against the file's
// directory.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(b)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Server.PrivateKeyFile) {
		cfg.Server.PrivateKeyFile = filepath.Join(filepath.Dir(f), cfg.Server.PrivateKeyFile)
	}
	return cfg, nil
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MONOPOLY"

type Config struct {
	// front door
	bind           string
	gameBinPath    string
	port           int
	prefix         string
	profile        bool
	sessionAlive   time.Duration
	sessionTimeout time.Duration
	socketDir      string
	tlsCert        string
	tlsKey         string

	// session process
	gamePath     string
	hostKey      string
	idleTimeout  time.Duration
	keepalive    time.Duration
	probePath    string
	readLimit    int64
	writeTimeout time.Duration

	verbose bool
	version bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.socketDir == "" {
		return errors.New("--socket-dir must not be empty")
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.gamePath == "" {
		return fmt.Errorf("missing --game-path (env: %s_GAME_PATH)", envPrefix)
	}
	if c.hostKey == "" {
		return fmt.Errorf("missing --host-key (env: %s_HOST_KEY)", envPrefix)
	}
	if c.idleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout: %s", c.idleTimeout)
	}
	if c.keepalive < 0 {
		return fmt.Errorf("invalid keepalive interval: %s", c.keepalive)
	}
	if c.writeTimeout < 0 {
		return fmt.Errorf("invalid write timeout: %s", c.writeTimeout)
	}
	if c.readLimit < 0 {
		return fmt.Errorf("invalid read limit: %d", c.readLimit)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) probeSocket() string {
	if c.probePath != "" {
		return c.probePath
	}
	return strings.TrimSuffix(c.socketDir, "/") + "/host"
}

// bindFlags lets every flag in fs fall back to its MONOPOLY_* environment
// variable when it was not set on the command line.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "monopoly",
		Short:         "Allocates multiplayer game sessions and runs each one in its own process.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.StringVar(&cfg.socketDir, "socket-dir", "/tmp/monopoly_socks", "directory holding session and probe sockets (env: MONOPOLY_SOCKET_DIR)")
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: MONOPOLY_VERBOSE)")

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: MONOPOLY_BIND)")
	fs.StringVar(&cfg.gameBinPath, "game-bin-path", "", "binary launched for each session, defaults to this executable (env: MONOPOLY_GAME_BIN_PATH)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: MONOPOLY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: MONOPOLY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: MONOPOLY_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: MONOPOLY_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.sessionAlive, "session-keepalive", 10*time.Second, "interval between keepalive frames sent by sessions (env: MONOPOLY_SESSION_KEEPALIVE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: MONOPOLY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: MONOPOLY_TLS_KEY)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: MONOPOLY_VERSION)")

	bindFlags(v, pfs)
	bindFlags(v, fs)

	cmd.AddCommand(newSessionCmd(cfg))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("monopoly v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newSessionCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a single game session on a unix socket. Normally launched by the front door.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateSession(); err != nil {
				return err
			}
			return ServeSession(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.gamePath, "game-path", "", "unix socket this session listens on (env: MONOPOLY_GAME_PATH)")
	fs.StringVar(&cfg.hostKey, "host-key", "", "credential that elevates a player to host (env: MONOPOLY_HOST_KEY)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 60*time.Minute, "exit after this long with no connections, 0 to disable (env: MONOPOLY_IDLE_TIMEOUT)")
	fs.DurationVar(&cfg.keepalive, "keepalive", 10*time.Second, "interval between keepalive frames, 0 to disable (env: MONOPOLY_KEEPALIVE)")
	fs.StringVar(&cfg.probePath, "probe-path", "", "unix socket of the probe endpoint used by ECHO, defaults to <socket-dir>/host (env: MONOPOLY_PROBE_PATH)")
	fs.Int64Var(&cfg.readLimit, "read-limit", 8192, "maximum inbound frame size in bytes, 0 for no limit (env: MONOPOLY_READ_LIMIT)")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", 10*time.Second, "deadline for each outbound frame, 0 for none (env: MONOPOLY_WRITE_TIMEOUT)")

	bindFlags(v, fs)

	return cmd
}

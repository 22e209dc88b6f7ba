package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/toomanycooks/client"
	"github.com/mistakeknot/toomanycooks/internal/app"
	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/cli"
	"github.com/mistakeknot/toomanycooks/internal/config"
	"github.com/mistakeknot/toomanycooks/internal/logging"
)

// Version is set at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "toomanycooks",
		Short:        "Coordination server for agents sharing one codebase",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $TMC_CONFIG or ~/.too_many_cooks/config.yaml)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")
	root.AddCommand(serveCmd(), initCmd(), tokenCmd(), statusCmd(), adminCmd())
	return root
}

// loadConfig honors --env-file and --config from the root command. An
// implicit config path may be missing.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	config.LoadDotEnv(envFile)
	flag, _ := cmd.Flags().GetString("config")
	path, explicit := config.ResolvePath(flag)
	cfg, err := config.Load(path, !explicit)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

type serveFlags struct {
	addr      string
	socket    string
	dataDir   string
	dbPath    string
	lease     time.Duration
	logLevel  string
	logFormat string
}

// apply overrides cfg with every flag the user set.
func (f serveFlags) apply(cfg *config.Config) error {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.socket != "" {
		cfg.Server.SocketPath = f.socket
	}
	if f.dataDir != "" {
		cfg.Storage.DataDir = f.dataDir
		if f.dbPath == "" {
			cfg.Storage.DBPath = filepath.Join(f.dataDir, config.DefaultDBName)
		}
	}
	if f.dbPath != "" {
		cfg.Storage.DBPath = f.dbPath
	}
	if f.lease != 0 {
		cfg.Locks.Lease = f.lease
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	return cfg.Validate()
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		Long: `Run the coordination server.

Agents call tools over HTTP (/api/tools/{tool}) or MCP (/mcp). Observers
stream events from /ws/events. Press Ctrl+C to shut down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := flags.apply(cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

			settings := [][2]string{
				{"Config", path},
				{"HTTP", cfg.Server.Addr},
				{"Database", cfg.Storage.DBPath},
				{"Lease", cfg.Locks.Lease.String()},
			}
			if cfg.Server.SocketPath != "" {
				settings = append(settings, [2]string{"Socket", cfg.Server.SocketPath})
			}
			logging.Banner(cmd.OutOrStdout(), version, settings)

			a, err := app.New(app.Options{Config: cfg, Logger: logger, Version: version})
			if err != nil {
				return err
			}
			logger.Info("starting toomanycooks", "addr", cfg.Server.Addr, "db", cfg.Storage.DBPath)
			return a.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", "", "listen address (host:port)")
	f.StringVar(&flags.socket, "socket", "", "also serve on this unix socket")
	f.StringVar(&flags.dataDir, "data-dir", "", "data directory")
	f.StringVar(&flags.dbPath, "db", "", "SQLite database path")
	f.DurationVar(&flags.lease, "lease", 0, "lock lease, e.g. 10m")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.logFormat, "log-format", "", "text or json")
	return cmd
}

// keysPath resolves --keys-file, falling back to the configured keys file.
func keysPath(cmd *cobra.Command, flag string) (string, error) {
	if flag = strings.TrimSpace(flag); flag != "" {
		return flag, nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Auth.KeysFile != "" {
		return cfg.Auth.KeysFile, nil
	}
	return auth.ResolveKeysPath(cfg.Storage.DataDir), nil
}

func initCmd() *cobra.Command {
	var keysFile string
	var denyLocalhost bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an admin key to the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := keysPath(cmd, keysFile)
			if err != nil {
				return err
			}
			var policy *bool
			if cmd.Flags().Changed("deny-localhost") {
				allow := !denyLocalhost
				policy = &allow
			}
			key, err := cli.InitKeysFile(path, policy)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "keys file: %s\n", path)
			fmt.Fprintf(out, "admin key: %s\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path")
	cmd.Flags().BoolVar(&denyLocalhost, "deny-localhost", false, "require credentials from loopback callers")
	return cmd
}

func tokenCmd() *cobra.Command {
	var keysFile, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := keysPath(cmd, keysFile)
			if err != nil {
				return err
			}
			token, err := cli.MintToken(path, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

type remoteFlags struct {
	url    string
	apiKey string
}

func (r *remoteFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.url, "url", "", "server URL (default derived from server.addr)")
	cmd.PersistentFlags().StringVar(&r.apiKey, "api-key", "", "admin key or token (default $TMC_API_KEY)")
}

func (r *remoteFlags) client(cmd *cobra.Command) (*client.Client, error) {
	base := r.url
	if base == "" {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Addr
	}
	key := r.apiKey
	if key == "" {
		key = os.Getenv("TMC_API_KEY")
	}
	return client.New(base, client.WithAPIKey(key)), nil
}

func statusCmd() *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agents, locks, plans and recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(cmd)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
	remote.register(cmd)
	return cmd
}

func printStatus(w io.Writer, st client.Status, now time.Time) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	bold.Fprintf(w, "Agents (%d)\n", len(st.Agents))
	for _, a := range st.Agents {
		cyan.Fprintf(w, "  %-20s", a.Name)
		gray.Fprintf(w, " active %s\n", humanize.RelTime(time.UnixMilli(a.LastActive), now, "ago", "from now"))
	}
	bold.Fprintf(w, "Locks (%d)\n", len(st.Locks))
	for _, l := range st.Locks {
		fmt.Fprintf(w, "  %-30s ", l.FilePath)
		yellow.Fprintf(w, "%s", l.AgentName)
		gray.Fprintf(w, " v%d expires %s", l.Version, humanize.RelTime(l.Expires(), now, "ago", "from now"))
		if l.Reason != "" {
			fmt.Fprintf(w, " (%s)", l.Reason)
		}
		fmt.Fprintln(w)
	}
	bold.Fprintf(w, "Plans (%d)\n", len(st.Plans))
	for _, p := range st.Plans {
		cyan.Fprintf(w, "  %-20s", p.AgentName)
		fmt.Fprintf(w, " %s", p.Goal)
		if p.CurrentTask != "" {
			gray.Fprintf(w, " > %s", p.CurrentTask)
		}
		fmt.Fprintln(w)
	}
	bold.Fprintf(w, "Messages (%s)\n", humanize.Comma(int64(len(st.Messages))))
}

func adminCmd() *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative tools (require an admin key, token or trusted localhost)",
	}
	remote.register(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-agent NAME",
		Short: "Remove an agent and release its locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(cmd)
			if err != nil {
				return err
			}
			released, err := c.DeleteAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s, released %d lock(s)\n", args[0], len(released))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force-release PATH",
		Short: "Remove a lock whoever holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(cmd)
			if err != nil {
				return err
			}
			lock, err := c.ForceReleaseLock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s (held by %s)\n", lock.FilePath, lock.AgentName)
			return nil
		},
	})
	return cmd
}

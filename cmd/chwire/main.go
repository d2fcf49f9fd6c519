package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	chwire "github.com/chwire/chwire-go"
)

type rootFlags struct {
	configFile string
	endpoint   string
	user       string
	password   string
	database   string
	logLevel   string
	settings   []string
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// loadConfig merges the config file, flag overrides and -s settings.
func (f *rootFlags) loadConfig() (*chwire.Config, error) {
	props := map[string]string{}
	var cfg *chwire.Config
	var err error
	if f.configFile != "" {
		if cfg, err = chwire.LoadConfigFile(f.configFile); err != nil {
			return nil, err
		}
	} else {
		props[chwire.KeyEndpoint] = f.endpoint
		props[chwire.KeyUser] = f.user
		props[chwire.KeyPassword] = f.password
		props[chwire.KeyDatabase] = f.database
		if cfg, err = chwire.ParseConfig(props); err != nil {
			return nil, err
		}
	}
	for _, s := range f.settings {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("setting %q is not key=value", s)
		}
		cfg.Settings[k] = v
	}
	return cfg, nil
}

func (f *rootFlags) client() (*chwire.Client, *zap.Logger, error) {
	logger, err := newLogger(f.logLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	observer, err := chwire.NewPrometheusPoolObserver(prometheus.DefaultRegisterer, cfg.MetricsName)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("client configured", zap.Stringer("config", cfg))
	c, err := chwire.NewClient(cfg, chwire.WithLogger(logger), chwire.WithPoolObserver(observer))
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "chwire",
		Short:         "chwire - HTTP client for ClickHouse-compatible servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML, TOML or JSON properties file")
	pf.StringVar(&flags.endpoint, "endpoint", "http://localhost:8123", "Server endpoint")
	pf.StringVarP(&flags.user, "user", "u", "default", "User name")
	pf.StringVarP(&flags.password, "password", "p", "", "Password")
	pf.StringVarP(&flags.database, "database", "d", "default", "Default database")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.StringArrayVarP(&flags.settings, "setting", "s", nil, "Server setting as key=value, repeatable")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chwire v%s\n", chwire.Version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Ok.")
			return nil
		},
	})

	var format string
	queryCmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a statement and write its result to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Query(cmd.Context(), args[0], &chwire.QuerySettings{Format: format})
			if err != nil {
				return err
			}
			defer func() { _ = resp.Close() }()

			w := bufio.NewWriter(os.Stdout)
			if _, err := io.Copy(w, resp); err != nil {
				return err
			}
			logger.Info("query finished",
				zap.String("query_id", resp.QueryID),
				zap.Uint64("read_rows", resp.Summary.ReadRows),
				zap.Uint64("elapsed_ns", resp.Summary.ElapsedNS))
			return w.Flush()
		},
	}
	queryCmd.Flags().StringVarP(&format, "format", "f", "TabSeparatedWithNames", "Output format")
	root.AddCommand(queryCmd)

	root.AddCommand(&cobra.Command{
		Use:   "insert <statement>",
		Short: "Stream stdin into an INSERT ... FORMAT statement",
		Long: `Stream stdin into an INSERT statement. The statement names the input format.

Example:
  chwire insert "INSERT INTO events FORMAT CSV" < events.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			summary, err := c.InsertStream(cmd.Context(), args[0], bufio.NewReader(os.Stdin), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "written %d rows, %d bytes\n", summary.WrittenRows, summary.WrittenBytes)
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

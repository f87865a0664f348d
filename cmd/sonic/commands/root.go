// Package commands implements the sonic command line.
package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/always-cache/sonic"
	"github.com/always-cache/sonic/telemetry"
)

const meterName = "github.com/always-cache/sonic"

func Execute(version string) error {
	return newRootCmd(version).Execute()
}

type app struct {
	v       *viper.Viper
	version string
	logger  zerolog.Logger
	// reader collects the engine metrics for printing.
	reader  *sdkmetric.ManualReader
	metrics *telemetry.Metrics
}

func newRootCmd(version string) *cobra.Command {
	a := &app{v: viper.New(), version: version, logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           "sonic",
		Short:         "Cache dynamic pages as template plus data",
		Long:          "sonic caches the static template of a page apart from its dynamic data and asks the server only for what changed on later visits.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (yaml)")
	flags.String("root", defaultRoot(), "Directory for cached pages and resources")
	flags.Bool("support-cache-control", false, "Serve unexpired pages without asking the server")
	flags.Int("max-concurrent-sessions", sonic.DefaultMaxConcurrentSessions, "Sessions running in parallel")
	flags.Duration("request-timeout", sonic.DefaultRequestTimeout, "Timeout of one page request")
	flags.Bool("vv", false, "Verbosity: trace logging")
	flags.String("log-file", "", "Log file to use (in addition to stderr)")
	a.v.BindPFlags(flags)

	a.v.SetEnvPrefix("SONIC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCmd(a),
		newOriginCmd(a),
		newFetchCmd(a),
		newTrimCmd(a),
		newClearCmd(a),
		newVersionCmd(a),
	)
	return rootCmd
}

func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "sonic"
	}
	return ".sonic"
}

// init reads the config file and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if a.v.GetBool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stderr
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
	if logFilename := a.v.GetString("log-file"); logFilename != "" {
		logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", a.version).Logger()
	a.logger = log.Logger

	a.reader = sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.reader)))
	metrics, err := telemetry.New(otel.GetMeterProvider().Meter(meterName))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	a.metrics = metrics
	return nil
}

// config builds the engine config from defaults, config file, env and flags.
func (a *app) config() (sonic.Config, error) {
	cfg := sonic.DefaultConfig()
	if err := a.v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Root == "" {
		return cfg, fmt.Errorf("root directory not set")
	}
	cfg.Logger = &a.logger
	cfg.Metrics = a.metrics
	return cfg, nil
}

func (a *app) engine(mutate ...func(*sonic.Config)) (*sonic.Engine, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := sonic.CreateEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return engine, nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.version)
			return err
		},
	}
}

package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/guardian/prism/internal/aggregate"
	"github.com/guardian/prism/internal/config"
	"github.com/guardian/prism/internal/fanout"
	"github.com/guardian/prism/internal/logging"
	"github.com/guardian/prism/internal/metrics"
	"github.com/guardian/prism/internal/netutil"
	"github.com/guardian/prism/internal/prism"
	"github.com/guardian/prism/internal/query"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath      string
	prismURL        string
	logLevel        string
	logFormat       string
	metricsTextfile string
}

// app carries the streams, resolved settings and swappable constructors for
// one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	flags   globalFlags
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.RunMetrics
	dialer  *netutil.Dialer

	newQuerier   func(a *app) (aggregate.Querier, error)
	newTransport func(a *app, opts sshOptions) (fanout.Transport, io.Closer, error)
	newConfirmer func(a *app) fanout.Confirmer
	newUsers     func(a *app) fanout.UserLookup
	now          func() time.Time
}

func newApp() *app {
	return &app{
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		stdin:        os.Stdin,
		logger:       zerolog.Nop(),
		newQuerier:   newPrismQuerier,
		newTransport: newSSHTransport,
		newConfirmer: newTerminalConfirmer,
		newUsers:     newSSHConfigUsers,
		now:          time.Now,
	}
}

func newRootCmd(a *app) *cobra.Command {
	var list listOptions

	root := &cobra.Command{
		Use:   "marauder [filter...]",
		Short: "Locate infrastructure through Prism and run commands on it",
		Long: `marauder queries Prism for instances and hardware matching the given filters.

Filters of the form key=value are sent to Prism. Any other word must prefix-match
a stage, stack, app, main class or DNS name token (case-insensitive); all words
must match.`,
		Example: `  marauder frontend PROD
  marauder instances -s stage=CODE stack=content-api
  marauder ssh -u ubuntu stage=PROD article -- uptime`,
		Version:           Version,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd.Context(), prism.Kinds, "hosts", args, list)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&a.flags.prismURL, "prism-url", "", "Prism base URL")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format: auto, json, console")
	pf.StringVar(&a.flags.metricsTextfile, "metrics-textfile", "", "write run metrics in Prometheus text format to this file")

	list.bind(root)

	root.AddCommand(
		newListCmd(a, "hosts", "List matching instances and hardware", prism.Kinds),
		newListCmd(a, "instances", "List matching instances", []prism.Kind{prism.KindInstances}),
		newListCmd(a, "hardware", "List matching hardware", []prism.Kind{prism.KindHardware}),
		newSSHCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup resolves configuration and logging before any command runs.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	bootstrap := zerolog.New(a.stderr).Level(zerolog.WarnLevel)
	cfg, err := config.Load(a.flags.configPath, bootstrap)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("prism-url") {
		cfg.PrismURL = a.flags.prismURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.flags.logFormat
	}
	if flags.Changed("metrics-textfile") {
		cfg.MetricsTextfile = config.ExpandHome(a.flags.metricsTextfile)
	}
	if flags.Lookup("parallel") != nil && flags.Changed("parallel") {
		cfg.Parallel, _ = flags.GetInt("parallel")
	}
	if flags.Lookup("timeout") != nil && flags.Changed("timeout") {
		cfg.SSHTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Lookup("strict-host-key-checking") != nil && flags.Changed("strict-host-key-checking") {
		cfg.StrictHostKeyChecking, _ = flags.GetBool("strict-host-key-checking")
	}

	logger, err := logging.InitFromConfig(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "marauder",
		Out:       a.stderr,
	})
	if err != nil {
		return err
	}
	a.logger, _ = logging.WithRun(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.MetricsTextfile != "" {
		a.metrics = metrics.NewRunMetrics()
	}
	a.dialer = netutil.NewDialer(0)
	a.logger.Debug().Str("config_file", cfg.Path).Str("prism_url", cfg.PrismURL).Msg("Configuration resolved")
	return nil
}

func (a *app) writeMetrics() error {
	if a.cfg == nil || a.metrics == nil {
		return nil
	}
	return a.metrics.WriteTextfile(a.cfg.MetricsTextfile, a.now())
}

func newPrismQuerier(a *app) (aggregate.Querier, error) {
	return prism.NewClient(prism.Config{
		BaseURL:    a.cfg.PrismURL,
		Timeout:    a.cfg.Timeout,
		HTTPClient: a.dialer.NewHTTPClient(a.cfg.Timeout),
		Logger:     a.logger.With().Str("component", "prism").Logger(),
	})
}

// discover compiles terms and returns the matching records across kinds.
// It fails only when every kind failed.
func (a *app) discover(ctx context.Context, kinds []prism.Kind, q *query.Query) (*aggregate.Result, error) {
	querier, err := a.newQuerier(a)
	if err != nil {
		return nil, err
	}

	a.logger.Debug().Str("query", q.String()).Msg("Querying Prism")
	res := aggregate.New(querier, a.logger, a.metrics).Collect(ctx, kinds, q)
	if err := res.Err(); err != nil {
		return nil, err
	}
	if summary := res.Summary(); summary != "" {
		a.logger.Warn().Msg(summary)
	}
	return res, nil
}

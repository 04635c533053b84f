// Package main is the CLI entry point for popup-ai.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/daemon"
	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
	"github.com/chenkeao/popup-ai/internal/ipc"
	"github.com/chenkeao/popup-ai/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// exitError carries a process exit code through cobra. A nil err means
// the message was already printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(err error) error {
	return &exitError{code: 1, err: err}
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		err = ee.err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "popup-ai: %v\n", err)
	}
	os.Exit(code)
}

var rootCmd = &cobra.Command{
	Use:   "popup-ai [text...]",
	Short: "Popup AI launcher",
	Long: `popup-ai shows the Popup AI window. The first invocation starts a
background instance; later invocations forward their text to it over the
session bus and exit immediately.

All arguments are joined with spaces and used as the initial text. Put
them after "--" if the text starts with a command name.`,
	Args:          cobra.ArbitraryArgs,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background instance without showing a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(usecase.VerbStart)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background instance",
	Long: `Sends SIGTERM to the background instance and waits for it to exit.
An instance that does not exit within daemon.stop_timeout is killed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(usecase.VerbStop)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the background instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(usecase.VerbRestart)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background instance is running",
	Long:  `Exits 0 when the instance is running and 1 otherwise.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(usecase.VerbStatus)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Args:  cobra.NoArgs,
	Run:   runVersion,
}

var (
	configPath string
	verbose    bool
	foreground bool
	jsonOutput bool

	// internal re-exec flags
	serviceMode bool
	showWindow  bool

	// aliases of the subcommands, kept for launcher scripts
	startAlias   bool
	stopAlias    bool
	restartAlias bool
	statusAlias  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/popup-ai/daemon.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	flags := rootCmd.Flags()
	flags.BoolVar(&foreground, "foreground", false, "Run the instance in this process if none is running")
	flags.BoolVar(&serviceMode, "service", false, "Run as the background instance")
	flags.BoolVar(&showWindow, "show", false, "Show a window when the instance starts")
	flags.BoolVar(&startAlias, "start-daemon", false, "Same as 'start'")
	flags.BoolVar(&stopAlias, "stop-daemon", false, "Same as 'stop'")
	flags.BoolVar(&restartAlias, "restart-daemon", false, "Same as 'restart'")
	flags.BoolVar(&statusAlias, "status", false, "Same as 'status'")
	for _, name := range []string{"service", "show", "start-daemon", "stop-daemon", "restart-daemon", "status"} {
		_ = flags.MarkHidden(name)
	}
	rootCmd.MarkFlagsMutuallyExclusive("service", "start-daemon", "stop-daemon", "restart-daemon", "status")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd, configCmd, versionCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case startAlias:
		return runControl(usecase.VerbStart)
	case stopAlias:
		return runControl(usecase.VerbStop)
	case restartAlias:
		return runControl(usecase.VerbRestart)
	case statusAlias:
		return runControl(usecase.VerbStatus)
	}

	payload := strings.Join(args, " ")
	if serviceMode {
		return runService(payload, showWindow)
	}
	return runLaunch(payload)
}

// env is what every command needs: configuration, runtime paths and a
// logger for the launcher side.
type env struct {
	cfg     *config.Config
	cfgPath string
	paths   domain.Paths
	level   zap.AtomicLevel
	logger  *zap.Logger
}

func setup(service bool) (*env, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	paths, err := infra.ResolvePaths(cfg.AppID, cfg.RuntimeDir)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevel()
	switch {
	case verbose:
		level.SetLevel(zapcore.DebugLevel)
	case service || foreground:
		level.SetLevel(parseLevel(cfg.Log.Level))
	default:
		level.SetLevel(zapcore.WarnLevel)
	}

	return &env{
		cfg:     cfg,
		cfgPath: path,
		paths:   paths,
		level:   level,
		logger:  createLogger(level, service, paths.LogFile),
	}, nil
}

func (e *env) manager() (*daemon.Manager, error) {
	return daemon.NewManager(daemon.Options{
		Paths:  e.paths,
		Config: e.cfg.Daemon,
		Logger: e.logger,
	})
}

func (e *env) launcher() (*usecase.Launcher, error) {
	mgr, err := e.manager()
	if err != nil {
		return nil, err
	}
	flags, err := usecase.InheritedFlags(configPath, verbose)
	if err != nil {
		return nil, err
	}
	dial := func() (usecase.Forwarder, error) {
		return ipc.Dial(e.cfg.IPC, e.logger)
	}
	return usecase.NewLauncher(mgr, dial, flags, e.logger), nil
}

func runLaunch(payload string) error {
	e, err := setup(false)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = e.logger.Sync() }()

	l, err := e.launcher()
	if err != nil {
		return fail(err)
	}

	outcome, err := l.Launch(context.Background(), payload, foreground)
	if err != nil {
		return fail(err)
	}
	e.logger.Debug("launch finished", zap.Stringer("outcome", outcome))

	if outcome == usecase.OutcomeForeground {
		return runForeground(e, payload)
	}
	return nil
}

func runControl(verb usecase.Verb) error {
	e, err := setup(false)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = e.logger.Sync() }()

	l, err := e.launcher()
	if err != nil {
		return fail(err)
	}

	res, err := l.Control(context.Background(), verb)
	if err != nil {
		return fail(err)
	}
	fmt.Println(res.Message)

	if verb == usecase.VerbStatus && res.PID > 0 {
		printStatusDetails(e, res.PID)
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	e, err := setup(false)
	if err != nil {
		return fail(err)
	}
	data, err := e.cfg.Encode()
	if err != nil {
		return fail(err)
	}
	fmt.Printf("# %s\n%s", e.cfgPath, data)
	return nil
}

func parseLevel(s string) zapcore.Level {
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// createLogger builds the service logger (JSON to the log file) or the
// launcher logger (console on stderr).
func createLogger(level zap.AtomicLevel, service bool, logPath string) *zap.Logger {
	var cfg zap.Config
	if service {
		cfg = zap.NewProductionConfig()
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		cfg.DisableStacktrace = true
	}
	cfg.Level = level

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("popup-ai %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}

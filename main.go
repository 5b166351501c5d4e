package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/engine"
	"github.com/utilitywarehouse/git-backup/internal/history"
	"github.com/utilitywarehouse/git-backup/mirror"
	"golang.org/x/term"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	gitExecutablePath string
	gitENV            []string

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("GIT_BACKUP_CONFIG"),
			Value:   "/etc/git-backup/config.yaml",
			Usage:   "Absolute path to the config file (yaml or toml).",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
		&cli.BoolFlag{
			Name:  "purge",
			Usage: "Remove all destinations before the first run so every target is cloned again.",
		},
		&cli.BoolFlag{
			Name:    "prune-orphans",
			Sources: cli.EnvVars("GIT_BACKUP_PRUNE_ORPHANS"),
			Usage:   "Remove bare repositories from destination roots which are not mapped to any target.",
		},
		&cli.BoolFlag{
			Name:  "silent",
			Usage: "Do not print progress and run summary.",
		},
		&cli.BoolFlag{
			Name:  "combined-progress",
			Usage: "Report both transfer phases of a mirror on a single progress bar.",
		},
		&cli.StringFlag{
			Name:    "schedule",
			Sources: cli.EnvVars("GIT_BACKUP_SCHEDULE"),
			Usage:   "Cron expression, if set git-backup keeps running and mirrors targets on schedule.",
		},
		&cli.StringFlag{
			Name:    "http-bind-address",
			Sources: cli.EnvVars("GIT_BACKUP_HTTP_BIND"),
			Value:   ":9001",
			Usage:   "Address the metrics and webhook server binds to in schedule mode.",
		},
		&cli.StringFlag{
			Name:    "github-webhook-secret",
			Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
			Usage:   "Secret of the GitHub push webhook, webhook is disabled if not set.",
		},
		&cli.BoolFlag{
			Name:    "watch-config",
			Sources: cli.EnvVars("GIT_BACKUP_WATCH_CONFIG"),
			Value:   true,
			Usage:   "Reload config file between runs in schedule mode if it was modified.",
		},
		&cli.StringFlag{
			Name:    "history-db",
			Sources: cli.EnvVars("GIT_BACKUP_HISTORY_DB"),
			Usage:   "Path to the sqlite database where run reports are kept.",
		},
		&cli.DurationFlag{
			Name:    "history-retention",
			Sources: cli.EnvVars("GIT_BACKUP_HISTORY_RETENTION"),
			Value:   30 * 24 * time.Hour,
			Usage:   "Runs older than this are deleted from history after every run, 0 keeps all runs.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func main() {
	cmd := &cli.Command{
		Name:  "git-backup",
		Usage: "git-backup mirrors remote repositories into local bare repositories.",
		Flags: flags,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			// set log level according to argument
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}
			return ctx, nil
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "history",
				Usage: "Print most recent run reports.",
				// history-db is inherited from the root command
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 10,
						Usage: "Number of runs to print.",
					},
				},
				Action: printHistory,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	var err error
	gitExecutablePath, err = exec.LookPath("git")
	if err != nil {
		logger.Error("git executable not found", "err", err)
		os.Exit(1)
	}
	gitENV = gitEnvironment()

	configPath := c.String("config")
	daemon := c.String("schedule") != ""

	r := &runner{
		pruneOrphans: c.Bool("prune-orphans"),
		silent:       c.Bool("silent"),
		combined:     c.Bool("combined-progress"),
		out:          os.Stdout,
	}
	r.purge.Store(c.Bool("purge"))

	// passphrase can only be asked if there is someone to answer
	if !daemon && term.IsTerminal(int(os.Stdin.Fd())) {
		r.prompt = credential.TerminalPrompt{}
	}

	if path := c.String("history-db"); path != "" {
		store, err := history.Open(path, logger.With("logger", "history"))
		if err != nil {
			logger.Error("unable to open history database", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		store.Retention = c.Duration("history-retention")
		r.recorder = store
	}

	// initial config load
	WatchConfig(ctx, configPath, false, 0, r.setConfig)
	if r.config() == nil {
		logger.Error("unable to load config", "path", configPath)
		os.Exit(1)
	}

	if !daemon {
		report, err := r.RunAll(ctx)
		if err != nil {
			logger.Error("run failed", "err", err)
			os.Exit(1)
		}
		if !report.Success() {
			os.Exit(1)
		}
		return nil
	}

	return runDaemon(ctx, c, r, configPath)
}

func runDaemon(ctx context.Context, c *cli.Command, r *runner, configPath string) error {
	prometheus.MustRegister(configSuccess, configSuccessTime)
	mirror.EnableMetrics("", prometheus.DefaultRegisterer)
	engine.EnableMetrics("", prometheus.DefaultRegisterer)

	if c.Bool("watch-config") {
		go WatchConfig(ctx, configPath, true, 10*time.Second, r.setConfig)
	}

	runAll := func() {
		if _, err := r.RunAll(ctx); err != nil {
			if errors.Is(err, errRunInProgress) {
				logger.Info("previous run is still in progress, skipping scheduled run")
				return
			}
			logger.Error("run failed", "err", err)
		}
	}

	sched := cron.New(cron.WithLogger(cronLogger{logger.With("logger", "cron")}))
	if _, err := sched.AddFunc(c.String("schedule"), runAll); err != nil {
		return fmt.Errorf("invalid schedule err:%w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if secret := c.String("github-webhook-secret"); secret != "" {
		mux.Handle("/github-webhook", &GithubWebhookHandler{
			runner: r,
			secret: secret,
			log:    logger.With("logger", "github-webhook"),
			ctx:    ctx,
		})
	}

	server := &http.Server{
		Addr:              c.String("http-bind-address"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server terminated", "err", err)
		}
	}()

	// mirror once at start so destinations are ready before first tick
	go runAll()
	sched.Start()

	<-ctx.Done()
	logger.Info("Shutting down")

	// wait for the running job to finish
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// gitEnvironment returns envs passed to every git command. HOME and
// XDG_CONFIG_HOME are required for git to read user config and the
// credential helpers configured there.
func gitEnvironment() []string {
	envs := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	for _, name := range []string{"HOME", "XDG_CONFIG_HOME", "GIT_CONFIG_GLOBAL", "SSH_AUTH_SOCK"} {
		if v := os.Getenv(name); v != "" {
			envs = append(envs, name+"="+v)
		}
	}
	return envs
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}

func printHistory(ctx context.Context, c *cli.Command) error {
	path := c.String("history-db")
	if path == "" {
		return fmt.Errorf("--history-db is required")
	}

	store, err := history.Open(path, logger.With("logger", "history"))
	if err != nil {
		return err
	}
	defer store.Close()

	reports, err := store.Recent(ctx, int(c.Int("limit")))
	if err != nil {
		return err
	}
	writeHistory(os.Stdout, reports)
	return nil
}

func writeHistory(w io.Writer, reports []*engine.RunReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%s  %s  %s  %s  updated:%d\n",
			r.Started.Local().Format(time.RFC3339), r.ID, r.Duration().Round(time.Second), r.Summary(), len(r.Updated))
		for _, f := range r.Failures {
			fmt.Fprintf(w, "    %s [%s/%s] %s\n", f.Name, f.Kind, f.Class, f.Message)
		}
	}
}

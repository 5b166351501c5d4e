// Package engine runs mirror jobs of a list of targets concurrently and
// aggregates their results into a RunReport.
//
// Every target is one chain of jobs, its primary destination followed by the
// backup destination if backups are enabled. Jobs of a chain run one after
// another while up to Concurrency chains run at the same time. Chains waiting
// for admission are started in the order they were submitted.
//
// A failed job never stops the run. Results of all jobs are recorded by an
// Aggregator and Run returns once every job has a result.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'debug' level
//
// Example:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: slog.LevelDebug,
//	}))
//
//	conf := engine.Config{Targets: []string{"https://github.com/org/repo.git"}}
//	if err := conf.ValidateAndApplyDefaults(); err != nil {
//		logger.Error("invalid config", "err", err)
//		os.Exit(1)
//	}
//
//	eng, err := engine.NewFromConfig(&conf, engine.Runtime{GitPath: "git", Log: logger})
//	if err != nil {
//		logger.Error("unable to create engine", "err", err)
//		os.Exit(1)
//	}
//
//	report := eng.Run(ctx, target.FromList(conf.Targets))
//	fmt.Println(report.Summary())
package engine

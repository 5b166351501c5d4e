// Package mirror mirrors (bare clones) a remote repository into a local
// destination directory.
//
// A Job decides between an initial clone and an incremental fetch based on
// whether the destination exists. Clones are created with the mirror refspec
// `+refs/*:refs/*` and `remote.origin.mirror=true` hence everything in
// `refs/*` on the remote is directly mirrored into `refs/*` locally. After
// every transfer local HEAD is pointed at the remote default branch so
// clients cloning from the mirror land on the right branch.
//
// A job never retries and never deletes its destination. A failed clone may
// leave a directory behind which the caller is expected to purge.
//
// # Logging:
//
// package takes slog reference for logging and prints logs up to 'trace' level
//
// Example:
//
//	loggerLevel  = new(slog.LevelVar)
//	levelStrings = map[string]slog.Level{
//		"trace": slog.Level(-8),
//		"debug": slog.LevelDebug,
//		"info":  slog.LevelInfo,
//		"warn":  slog.LevelWarn,
//		"error": slog.LevelError,
//	}
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//		Level: loggerLevel,
//	}))
//	loggerLevel.Set(levelStrings["trace"])
//
//	job := mirror.NewJob(dest, mirror.Options{Backend: gitcli.New("git", nil, logger), Log: logger}, nil)
//	res := job.Run(ctx)
package mirror

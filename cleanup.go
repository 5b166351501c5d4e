package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/utilitywarehouse/git-backup/internal/utils"
	"github.com/utilitywarehouse/git-backup/target"
)

// purgeDestinations removes all destinations of the targets so next run
// clones them again
func purgeDestinations(roots target.Roots, targets []target.Target) {
	for _, t := range targets {
		for _, d := range roots.Destinations(t) {
			if _, err := os.Stat(d.Path); os.IsNotExist(err) {
				continue
			}
			logger.Info("purging destination...", "repo", t.Name, "path", d.Path)
			if err := os.RemoveAll(d.Path); err != nil {
				logger.Error("unable to purge destination", "path", d.Path, "err", err)
			}
		}
	}
}

// cleanupOrphanedMirrors deletes bare repositories from the destination
// roots which no current target maps to. Only bare repositories are removed
// so unrelated dirs in the roots are never touched.
func cleanupOrphanedMirrors(roots target.Roots, targets []target.Target) {
	var expected []string
	for _, t := range targets {
		for _, d := range roots.Destinations(t) {
			expected = append(expected, d.Path)
		}
	}

	dirs := []string{roots.Primary}
	if roots.BackupEnabled && roots.Backup != roots.Primary {
		dirs = append(dirs, roots.Backup)
	}

	for _, root := range dirs {
		if root == "" {
			continue
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Error("unable to read root dir for clean up", "root", root, "err", err)
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			fullPath := filepath.Join(root, entry.Name())

			if slices.Contains(expected, fullPath) {
				continue
			}

			// since git-backup creates bare repository for mirror
			// non-repo dir or non-bare repo dir must be skipped
			ok, err := isBareRepo(fullPath)
			if err != nil {
				logger.Error("unable to check if bare repo", "path", fullPath, "err", err)
				continue
			}

			if !ok {
				continue
			}

			logger.Info("removing orphaned mirror dir...", "path", fullPath)
			if err := os.RemoveAll(fullPath); err != nil {
				logger.Error("unable to remove orphaned mirror dir", "path", fullPath, "err", err)
				continue
			}
		}
	}
}

func isInsideGitDir(cwd string) bool {
	// err is expected here
	output, _ := runGitCommand(cwd, "rev-parse", "--is-inside-git-dir")
	return output == "true"
}

func isBareRepo(cwd string) (bool, error) {
	// bare repository doesn't have worktrees
	if !isInsideGitDir(cwd) {
		return false, nil
	}

	output, err := runGitCommand(cwd, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}

	if ok, err := strconv.ParseBool(output); err != nil || !ok {
		return false, err
	}

	// a bare repo nested in another repository's git dir reports its
	// parent, only the root of a bare repo counts
	gitDir, err := runGitCommand(cwd, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return false, err
	}
	return samePath(gitDir, cwd), nil
}

// runGitCommand runs git command with given arguments on given CWD
func runGitCommand(cwd string, args ...string) (string, error) {
	output, err := utils.RunCommand(context.TODO(), logger, gitENV, cwd, gitExecutablePath, args...)
	return strings.TrimSpace(output), err
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

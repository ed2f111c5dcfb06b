package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tsawler/go-meanteacher/config"
)

// preflightResult is the outcome of one check run before training.
type preflightResult struct {
	Name   string
	Passed bool
	Detail string
}

const (
	accessRead  = unix.R_OK | unix.X_OK
	accessWrite = unix.R_OK | unix.W_OK | unix.X_OK
)

// checkDirectoryAccess verifies that path is a directory the process can
// use with the given access mode.
func checkDirectoryAccess(name, path string, mode uint32) preflightResult {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return preflightResult{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return preflightResult{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return preflightResult{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return preflightResult{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	verb := "read ok"
	if mode&unix.W_OK != 0 {
		verb = "read/write ok"
	}
	return preflightResult{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, verb)}
}

// runPreflight creates the output directories of a run when create is set
// and checks every directory the run touches.
func runPreflight(cfg *config.Config, create bool) []preflightResult {
	type target struct {
		name string
		path string
		mode uint32
	}
	targets := []target{{"checkpoints", cfg.Checkpoint.Dir, accessWrite}}
	if cfg.Summary.Path != "" {
		targets = append(targets, target{"summary", filepath.Dir(cfg.Summary.Path), accessWrite})
	}
	if cfg.Logging.File != "" {
		targets = append(targets, target{"log file", filepath.Dir(cfg.Logging.File), accessWrite})
	}
	if cfg.Data.Dir != "" {
		targets = append(targets, target{"images", filepath.Join(cfg.Data.Dir, "images"), accessRead})
	}

	results := make([]preflightResult, 0, len(targets))
	for _, t := range targets {
		if create && t.mode == accessWrite {
			_ = os.MkdirAll(t.path, 0o755)
		}
		results = append(results, checkDirectoryAccess(t.name, t.path, t.mode))
	}
	return results
}

// preflightError joins the failed checks, or returns nil.
func preflightError(results []preflightResult) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Name+": "+r.Detail)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.New("preflight failed: " + strings.Join(failed, "; "))
}

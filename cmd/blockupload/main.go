// Command blockupload uploads files with the resumable block upload protocol.
//
//	blockupload [-config blockupload.yml] <path|glob>...
//
// Interrupted uploads continue from the last acknowledged chunk on the next run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bitrise-io/go-blockupload/analytics"
	"github.com/bitrise-io/go-blockupload/blob"
	"github.com/bitrise-io/go-blockupload/config"
	"github.com/bitrise-io/go-blockupload/manager"
	"github.com/bitrise-io/go-blockupload/progress"
	"github.com/bitrise-io/go-blockupload/transport"
	"github.com/bitrise-io/go-blockupload/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

const attemptWait = 5 * time.Second

func main() {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], env.NewRepository(), logger); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger) error {
	flags := flag.NewFlagSet("blockupload", flag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file, BLOCKUPLOAD_* environment variables override it")
	clean := flags.Bool("clean", false, "remove every saved resume state before uploading")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 && !*clean {
		return fmt.Errorf("usage: blockupload [-config file] [-clean] <path|glob>...")
	}

	cfg, err := config.Load(envRepo, *configPath)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	logger.Debugf("Config: base URL %s, token %s, block %s, chunk %s, resume backend %s",
		cfg.Upload.BaseURL, cfg.Token, units.BytesSize(float64(cfg.Upload.BlockSize)),
		units.BytesSize(float64(cfg.Upload.ChunkSize)), cfg.ResumeBackend)

	journal, closeJournal, err := cfg.OpenJournal(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeJournal(); err != nil {
			logger.Warnf("Failed to close resume backend: %s", err)
		}
	}()

	uploader, err := upload.New(cfg.Upload, journal, logger)
	if err != nil {
		return err
	}

	params := manager.Params{
		Uploader: uploader,
		Logger:   logger,
		Hooks: manager.Hooks{
			OnChanged:  progressPrinter(logger),
			OnUploaded: func(f manager.File) { logger.Donef("%s -> %s", f.Name, f.Result.Response.Hash) },
			OnFail: func(f manager.File, err error, isCancel bool) {
				if isCancel {
					logger.Warnf("%s: cancelled at %s", f.Name, units.BytesSize(float64(f.Progress.BytesUploaded)))
					return
				}
				logger.Errorf("%s: %s", f.Name, err)
			},
		},
	}
	if cfg.Analytics {
		params.Tracker = analytics.NewDefaultUploadTracker(envRepo, logger, journal.Namespace())
	}
	m := manager.New(params)
	defer m.Wait()

	if *clean {
		if err := m.Clean(ctx); err != nil {
			return err
		}
		logger.Infof("Removed saved resume states in %s", journal.Namespace())
		if flags.NArg() == 0 {
			return nil
		}
	}

	paths, err := newPathResolver(logger).evaluatePaths(flags.Args())
	if err != nil {
		return err
	}
	logger.Infof("Uploading %d files, %d at a time", len(paths), cfg.Concurrency)

	// Files are independent: a failed file never cancels the others.
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	var mu sync.Mutex
	var errs []error
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := uploadPath(ctx, m, path, cfg.Attempts, logger); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		logger.Errorf("%d of %d files failed", len(errs), len(paths))
	}
	return errors.Join(errs...)
}

func uploadPath(ctx context.Context, m *manager.Manager, path string, attempts int, logger log.Logger) error {
	file, err := blob.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	key, err := m.Add(ctx, file.Name(), file)
	if err != nil {
		return err
	}

	// Every attempt resumes from the checkpoint the previous one left behind.
	err = retry.Times(uint(attempts - 1)).Wait(attemptWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			logger.Warnf("Retrying %s (%d/%d)", path, attempt+1, attempts)
		}
		_, err := m.Upload(ctx, key, "")
		if err == nil {
			return nil, true
		}
		if errors.Is(err, manager.ErrBusy) {
			logger.Infof("%s has the same content as a file already uploading", path)
			return nil, true
		}
		if transport.IsCancel(err) {
			return err, true
		}
		return err, false
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// progressPrinter logs a line per stage change and per tenth of progress.
func progressPrinter(logger log.Logger) func(manager.File) {
	type last struct {
		stage progress.Stage
		value int
	}
	var mu sync.Mutex
	printed := map[string]last{}

	return func(f manager.File) {
		mu.Lock()
		defer mu.Unlock()

		r := f.Progress
		prev, ok := printed[f.Key]
		if ok && prev.stage == r.Stage && r.Value/10 == prev.value/10 {
			return
		}
		printed[f.Key] = last{stage: r.Stage, value: r.Value}
		logger.Printf("%s: %3d%% %s (block %d, %s/%s)", f.Name, r.Value, r.Stage, r.BlockIndex,
			units.BytesSize(float64(r.BytesUploaded)), units.BytesSize(float64(r.BytesTotal)))
	}
}

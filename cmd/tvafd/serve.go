package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anatorrent "github.com/anacrolix/torrent"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/accounting"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/alertdriver"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/auth"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/config"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/ftpd"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/library"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/metrics"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/request"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/resume"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/task"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/torrentio"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// pieceCacheSize is the number of pieces the shared PieceCache holds
// across every open TorrentIO stream.
const pieceCacheSize = 256

// runServe loads path's config and runs every subsystem until the
// process receives SIGINT/SIGTERM, then shuts down in the order
// original_source/tvaf/app.py's App._run uses: request-serving
// surfaces (FTP, metrics) stop first, then resume data is flushed
// (Abort, then Wait), and the alert driver is the last thing to stop,
// since the resume flush's Wait still depends on it dispatching
// save_resume_data alerts.
func runServe(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newTorrentClient(cfg)
	if err != nil {
		return err
	}
	eng := engine.NewAnacrolixEngine(client)

	acctStore, err := accounting.Open(cfg.AccountingPath())
	if err != nil {
		eng.Close()
		return err
	}
	defer acctStore.Close()

	authSvc, err := auth.NewFileService(cfg.AuthFile)
	if err != nil {
		eng.Close()
		return err
	}

	reqSvc := request.New(eng, request.DefaultGracePeriod)
	reqSvc.SetAddedHook(func(infoHash string) {
		if _, err := acctStore.BumpGeneration(infoHash, time.Now()); err != nil {
			tvlog.Errorf(infoHash, "tvafd: bump accounting generation: %v", err)
		}
	})

	resumeSvc := resume.New(cfg.ResumeDir())

	driver := alertdriver.New(eng)
	driver.Subscribe(reqSvc)
	driver.Subscribe(resumeSvc)

	cache := torrentio.NewPieceCache(pieceCacheSize)
	opener := torrentio.NewOpenerWithAccounting(reqSvc, cache, acctStore)
	// staticLib starts with an empty manifest; torrents are registered
	// into it by deployment-specific code (a loader reading a manifest
	// file, an admin RPC, a test), none of which is this core's
	// concern, matching original_source/tvaf/app.py's App.__init__,
	// which starts self.libraries empty and expects external code to
	// populate it.
	staticLib := library.NewStaticLibrary("static")
	registry := library.NewRegistry([]library.Library{staticLib}, opener)
	root := registry.BuildRoot()

	// The alert driver must be running before resume data is loaded:
	// re-adding a torrent emits an AddTorrentAlert the resume service
	// needs to see to start tracking it for future saves.
	alertTask := task.New(ctx, "alertdriver", true, func(ctx context.Context) error {
		driver.Run(ctx)
		return nil
	})
	alertTask.Start()

	for _, blob := range resume.LoadFromDisk(cfg.ResumeDir()) {
		atp, err := engine.ATPFromResumeData(blob.Data)
		if err != nil {
			tvlog.Errorf(blob.InfoHash, "tvafd: decode resume data: %v", err)
			continue
		}
		if _, err := eng.AddTorrent(ctx, atp); err != nil {
			tvlog.Errorf(blob.InfoHash, "tvafd: resume add: %v", err)
		}
	}

	ftpTask := task.New(ctx, "ftpd", true, func(ctx context.Context) error {
		return ftpd.Serve(ctx, cfg.FTPAddr, root, authSvc)
	})
	ftpTask.Start()

	var metricsTask *task.Task
	if cfg.MetricsAddr != "" {
		metricsReg := metrics.New()
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, metricsReg)
		metricsTask = task.New(ctx, "metrics", true, metricsSrv.Run)
		metricsTask.Start()
	}

	<-ctx.Done()
	tvlog.Infof("tvafd", "shutting down")

	ftpTask.Terminate(nil)
	ftpTask.Join()
	if metricsTask != nil {
		metricsTask.Terminate(nil)
		metricsTask.Join()
	}

	resumeSvc.Abort()
	resumeSvc.Wait()

	alertTask.Terminate(nil)
	alertTask.Join()

	if err := eng.Close(); err != nil {
		tvlog.Errorf("tvafd", "close engine: %v", err)
	}

	if err := ftpTask.Err(); err != nil {
		return err
	}
	if metricsTask != nil {
		if err := metricsTask.Err(); err != nil {
			return err
		}
	}
	return alertTask.Err()
}

func newTorrentClient(cfg *config.Config) (*anatorrent.Client, error) {
	clientCfg := anatorrent.NewDefaultClientConfig()
	clientCfg.DataDir = filepath.Join(cfg.Dir, "data")
	client, err := anatorrent.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("tvafd: create torrent client: %w", err)
	}
	return client, nil
}

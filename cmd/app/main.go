package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"filedrop/internal/api"
	"filedrop/internal/config"
	"filedrop/internal/delivery"
	"filedrop/internal/discovery"
	"filedrop/internal/logging"
	"filedrop/internal/registry"
	"filedrop/internal/storage"
	"filedrop/internal/transfer"
	"filedrop/pkg/utils"
)

const version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:        "filedrop",
		Usage:       "Share files and folders between devices on your local network",
		Version:     version,
		Description: "Starts a coordinator that browsers on the same network connect to for sending files to each other",
		Flags:       flags(),
		Action:      run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.LogPath == "" {
		if p, err := logging.DefaultPath(); err == nil {
			cfg.LogPath = p
		}
	}
	log, err := logging.New(logging.Options{Path: cfg.LogPath, Level: cfg.LogLevel, Console: cfg.LogConsole})
	if err != nil {
		return err
	}

	disk, err := storage.NewDisk(cfg.UploadDir)
	if err != nil {
		return err
	}
	if cfg.UploadDir == "" {
		defer os.RemoveAll(disk.Root())
	}

	hist, err := storage.OpenHistory(cfg.HistoryDSN)
	if err != nil {
		return fmt.Errorf("open transfer history: %w", err)
	}
	var (
		recorder transfer.Recorder
		history  api.History
	)
	if hist != nil {
		defer hist.Close()
		recorder, history = hist, hist
		log.Info().Msg("transfer history enabled")
	}

	hub := api.NewHub(log)
	devices := registry.New(hub, log)
	store := transfer.NewStore(devices, disk, hub, transfer.Options{
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxAge:      cfg.SessionMaxAge,
		History:     recorder,
	}, log)
	packager := delivery.New(store, delivery.Config{
		DownloadDir:      cfg.DownloadDir,
		StripArchiveRoot: cfg.ArchiveStripRoot,
	}, log)

	ln, port, err := utils.Listen(cfg.Host, cfg.PortStart, cfg.PortEnd)
	if err != nil {
		return err
	}
	urls := accessURLs(port)

	srv := api.NewServer(api.Options{
		DeviceName:     cfg.DeviceName,
		MaxUploadBytes: cfg.MaxUploadBytes,
		URLs:           urls,
	}, api.Deps{
		Hub:      hub,
		Devices:  devices,
		Store:    store,
		Uploads:  transfer.NewAggregator(store),
		Packager: packager,
		History:  history,
	}, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MDNS {
		adv, err := discovery.Advertise(discovery.Config{
			Service:  cfg.ServiceName,
			Instance: cfg.DeviceName,
			Port:     port,
			Path:     "/api/info",
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			defer adv.Stop()
		}
	}

	printBanner(cfg, urls, disk.Root())
	logStartup(log, cfg, port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return store.RunReaper(gctx, cfg.ReapInterval) })
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shut down")
	return nil
}

func logStartup(log zerolog.Logger, cfg config.Config, port int) {
	log.Info().
		Str("device", cfg.DeviceName).
		Int("port", port).
		Str("download_dir", cfg.DownloadDir).
		Dur("idle_timeout", cfg.SessionIdleTimeout).
		Dur("max_age", cfg.SessionMaxAge).
		Msg("file transfer server started")
}

func accessURLs(port int) []string {
	p := strconv.Itoa(port)
	urls := []string{"http://localhost:" + p}
	for _, ip := range utils.LANAddresses() {
		urls = append(urls, "http://"+ip+":"+p)
	}
	return urls
}

func printBanner(cfg config.Config, urls []string, uploadDir string) {
	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════════════════════╗\n")
	fmt.Printf("║%-54s║\n", "                 FileDrop is ready")
	fmt.Printf("╠══════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Device   : %-41s║\n", cfg.DeviceName)
	for _, u := range urls {
		fmt.Printf("║  Open     : %-41s║\n", u)
	}
	fmt.Printf("║  Uploads  : %-41s║\n", uploadDir)
	fmt.Printf("║  Downloads: %-41s║\n", cfg.DownloadDir)
	fmt.Printf("╚══════════════════════════════════════════════════════╝\n\n")
}

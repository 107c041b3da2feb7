package main

import (
	"github.com/urfave/cli/v3"

	"filedrop/internal/config"
)

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML config file",
			Sources: cli.EnvVars("FILEDROP_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "Device name advertised on the network (defaults to hostname)",
			Sources: cli.EnvVars("FILEDROP_NAME"),
		},
		&cli.StringFlag{
			Name:    "host",
			Usage:   "Address to bind",
			Sources: cli.EnvVars("FILEDROP_HOST"),
		},
		&cli.IntFlag{
			Name:    "port-start",
			Usage:   "First port to try",
			Sources: cli.EnvVars("FILEDROP_PORT_START"),
		},
		&cli.IntFlag{
			Name:    "port-end",
			Usage:   "Last port to try",
			Sources: cli.EnvVars("FILEDROP_PORT_END"),
		},
		&cli.StringFlag{
			Name:    "upload-dir",
			Usage:   "Where uploads are staged (defaults to a temporary directory)",
			Sources: cli.EnvVars("FILEDROP_UPLOAD_DIR"),
		},
		&cli.StringFlag{
			Name:    "download-dir",
			Aliases: []string{"d"},
			Usage:   "Where desktop clients receive folders",
			Sources: cli.EnvVars("FILEDROP_DOWNLOAD_DIR"),
		},
		&cli.DurationFlag{
			Name:    "idle-timeout",
			Usage:   "Expire idle transfers whose peer disconnected after this long",
			Sources: cli.EnvVars("FILEDROP_IDLE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "max-age",
			Usage:   "Expire any transfer older than this",
			Sources: cli.EnvVars("FILEDROP_MAX_AGE"),
		},
		&cli.StringFlag{
			Name:    "history-dsn",
			Usage:   "Transfer history database: postgres:// URL or sqlite file",
			Sources: cli.EnvVars("FILEDROP_HISTORY_DSN", "DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "log-path",
			Usage:   "Rotating log file",
			Sources: cli.EnvVars("FILEDROP_LOG_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			Sources: cli.EnvVars("FILEDROP_LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:  "console",
			Usage: "Human readable log output",
		},
		&cli.BoolFlag{
			Name:  "no-mdns",
			Usage: "Do not advertise over mDNS",
		},
	}
}

// loadConfig layers defaults, the optional config file and explicit flags.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if cmd.IsSet("name") {
		cfg.DeviceName = cmd.String("name")
	}
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port-start") {
		cfg.PortStart = int(cmd.Int("port-start"))
	}
	if cmd.IsSet("port-end") {
		cfg.PortEnd = int(cmd.Int("port-end"))
	}
	if cmd.IsSet("upload-dir") {
		cfg.UploadDir = cmd.String("upload-dir")
	}
	if cmd.IsSet("download-dir") {
		cfg.DownloadDir = cmd.String("download-dir")
	}
	if cmd.IsSet("idle-timeout") {
		cfg.SessionIdleTimeout = cmd.Duration("idle-timeout")
	}
	if cmd.IsSet("max-age") {
		cfg.SessionMaxAge = cmd.Duration("max-age")
	}
	if cmd.IsSet("history-dsn") {
		cfg.HistoryDSN = cmd.String("history-dsn")
	}
	if cmd.IsSet("log-path") {
		cfg.LogPath = cmd.String("log-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.Bool("console") {
		cfg.LogConsole = true
	}
	if cmd.Bool("no-mdns") {
		cfg.MDNS = false
	}
	return cfg, cfg.Validate()
}

package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-pagedattn/internal/config"
	"github.com/23skdu/longbow-pagedattn/internal/logger"
)

var (
	configPath    string
	logLevel      string
	logFormat     string
	pagesPerBlock int64
	megacore      string
	inlineSeqDim  bool
	chainCells    bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML config file",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (json, console)",
			Value:       "json",
			Destination: &logFormat,
		},
		&cli.Int64Flag{
			Name:        "pages-per-block",
			Usage:       "pages per compute block",
			Value:       4,
			Destination: &pagesPerBlock,
		},
		&cli.StringFlag{
			Name:        "megacore",
			Usage:       "core split (none, batch, kv_head)",
			Value:       "none",
			Destination: &megacore,
		},
		&cli.BoolFlag{
			Name:        "inline",
			Usage:       "walk cells by advance instead of enumerating the full grid",
			Value:       true,
			Destination: &inlineSeqDim,
		},
		&cli.BoolFlag{
			Name:        "chain",
			Usage:       "prefetch the next cell's first block across cell boundaries",
			Destination: &chainCells,
		},
	}
}

// loadConfig reads the config file and applies flags that were set
// explicitly on the command line, then configures logging.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = logLevel
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = logFormat
	}
	if c.IsSet("pages-per-block") {
		cfg.PagesPerComputeBlock = int(pagesPerBlock)
	}
	if c.IsSet("megacore") {
		cfg.Megacore = megacore
	}
	if c.IsSet("inline") {
		cfg.InlineSeqDim = inlineSeqDim
	}
	if c.IsSet("chain") {
		cfg.ChainCells = chainCells
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

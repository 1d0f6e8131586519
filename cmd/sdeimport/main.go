// Command sdeimport builds items.db from an SDE types.yaml, optionally
// downloading the YAML first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"killcard/config"
	"killcard/download"
	"killcard/netclient"
	"killcard/sde"
)

func main() {
	var (
		configPath = flag.String("config", "data/config", "Configuration directory")
		typesURL   = flag.String("url", "", "Download types.yaml from this URL before importing")
		force      = flag.Bool("force", false, "Download even when the server reports no change")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	metaPath := download.MetadataPath(cfg.SDE.TypesYAML)
	if *typesURL != "" {
		nc := netclient.New(netclient.Options{UserAgent: cfg.HTTP.UserAgent, Logger: logger})
		defer nc.Close()
		res, err := download.Download(ctx, nc, download.Request{
			URL:         *typesURL,
			Destination: cfg.SDE.TypesYAML,
			Timeout:     5 * time.Minute,
			Force:       *force,
		}, logger)
		if err != nil {
			log.Fatalf("failed to download types: %v", err)
		}
		if res.Status != download.StatusUpdated {
			if meta := download.ReadMetadata(metaPath); meta != nil && meta.ProcessedOK {
				fmt.Fprintf(os.Stdout, "%s unchanged; %s is current\n", cfg.SDE.TypesYAML, cfg.SDE.ItemsDB)
				return
			}
		}
	}

	count, err := sde.ImportTypes(ctx, cfg.SDE.TypesYAML, cfg.SDE.ItemsDB)
	if err != nil {
		_ = download.UpdateProcessedStatus(metaPath, false)
		log.Fatalf("failed to import types: %v", err)
	}
	if err := download.UpdateProcessedStatus(metaPath, true); err != nil {
		logger.Warn().Err(err).Msg("unable to record import status")
	}
	fmt.Fprintf(os.Stdout, "Wrote %d types to %s\n", count, cfg.SDE.ItemsDB)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"tractoprep/pkg/config"
	"tractoprep/pkg/prep"
	"tractoprep/pkg/shells"
)

const usage = `Usage: tractoprep <command> [flags]

Commands:
  prepare      select, merge and write the inputs of one participant session
  shells       analyze an existing bval/bvec pair
  init-config  write a default configuration file

Run 'tractoprep <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "prepare":
		err = runPrepare(os.Args[2:])
	case "shells":
		err = runShells(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging applies the configured level and format to the standard logger.
func setupLogging(cfg *config.Config, verbose bool) error {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	switch cfg.Logging.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q (must be text or json)", cfg.Logging.Format)
	}
	return nil
}

func runPrepare(args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	bidsDir := fs.String("bids", "", "BIDS dataset root directory")
	participant := fs.String("participant", "", "Participant label, with or without sub- prefix")
	session := fs.String("session", "", "Session label, with or without ses- prefix")
	outputDir := fs.String("output", ".", "Directory receiving the prepared files")
	configPath := fs.String("config", "", "YAML configuration file")
	filterDir := fs.String("filter-dir", "", "Directory holding bids_filter_ses-<session>.json (overrides config)")
	noFilter := fs.Bool("no-filter", false, "Ignore BIDS filter files")
	envFile := fs.String("env-file", "", "Append TFBVAL/TFSHOD exports to this file")
	qc := fs.Bool("qc", false, "Render quality-control previews")
	verbose := fs.Bool("v", false, "Verbose (debug) logging")
	fs.Parse(args)

	if *bidsDir == "" || *participant == "" {
		fs.Usage()
		return fmt.Errorf("-bids and -participant are required")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *filterDir != "" {
		cfg.Filter.Dir = *filterDir
	}
	if *noFilter {
		cfg.Filter.Enabled = false
	}
	if *qc {
		cfg.QC.Enabled = true
	}
	if err := setupLogging(cfg, *verbose); err != nil {
		return err
	}

	out, err := filepath.Abs(*outputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}

	params := &prep.Params{
		BIDSDir:     *bidsDir,
		Participant: *participant,
		Session:     *session,
		OutputDir:   out,
		EnvFile:     *envFile,
		Config:      cfg,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	result, err := prep.NewPreparer(params, log.StandardLogger()).Process(ctx)
	if err != nil {
		if prep.IsInputError(err) {
			return fmt.Errorf("%w (check the dataset of sub-%s)", err, *participant)
		}
		return err
	}

	fmt.Printf("\nPreparation completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Anatomical: %s\n", result.Anatomical)
	fmt.Printf("Diffusion files merged: %d, excluded: %d\n", len(result.Included), len(result.Excluded))
	fmt.Printf("Phase encoding: %s (readout %.4f s)\n", result.Phase, result.ReadoutTime)
	fmt.Printf("Shells: %s\n", result.Profile.ShellList())
	fmt.Printf("Spherical harmonic order: %d\n", result.Profile.Order)
	fmt.Printf("Outputs written to: %s\n", out)
	return nil
}

func runShells(args []string) error {
	fs := flag.NewFlagSet("shells", flag.ExitOnError)
	bval := fs.String("bval", "bval", "bval file")
	bvec := fs.String("bvec", "bvec", "bvec file")
	configPath := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env-file", "", "Append TFBVAL/TFSHOD exports to this file")
	verbose := fs.Bool("v", false, "Verbose (debug) logging")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, *verbose); err != nil {
		return err
	}

	a := shells.NewAnalyzer(cfg.Shells.OrderThreshold, cfg.Shells.OrderCeiling, log.StandardLogger())
	profile, err := a.AnalyzeFiles(*bval, *bvec)
	if err != nil {
		return err
	}

	if *envFile != "" {
		if err := shells.WriteEnvFile(*envFile, profile); err != nil {
			return err
		}
	}

	fmt.Printf("TFBVAL=%q\n", profile.ShellList())
	fmt.Printf("TFSHOD=%d\n", profile.Order)
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("output", "tractoprep.config.yaml", "Configuration file to create")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *path)
	return nil
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"prostatexcnn/pkg/config"
)

const usage = `prostatexcnn prepares ProstateX patches and trains lesion classifiers.

Usage:
  prostatexcnn <command> [flags]

Commands:
  init-config  write a default configuration file
  resample     resample raw volumes to the configured spacing
  build        crop findings into a patch store
  folds        partition a training store into cross-validation folds
  stats        compute global normalization volumes of a training store
  train        run k-fold cross-validation
  predict      score an inference store with a saved model
  cohort       crop an external validation cohort into a patch store
  evaluate     measure a saved model on a labelled patch store

Run "prostatexcnn <command> -h" for the flags of a command.
`

type command struct {
	flags *flag.FlagSet
	run   func(cfg *config.Config) error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	name := os.Args[1]
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Configuration file")
	envFile := fs.String("env", ".env", "Optional .env file with PROSTATEX_* overrides")

	commands := map[string]func(fs *flag.FlagSet) command{
		"resample": resampleCommand,
		"build":    buildCommand,
		"folds":    foldsCommand,
		"stats":    statsCommand,
		"train":    trainCommand,
		"predict":  predictCommand,
		"cohort":   cohortCommand,
		"evaluate": evaluateCommand,
	}

	if name == "init-config" {
		if err := fs.Parse(os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	factory, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(1)
	}
	cmd := factory(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	start := time.Now()
	if err := cmd.run(cfg); err != nil {
		log.Fatalf("%s failed: %v", name, err)
	}
	cfg.Logger().Info("%s completed in %.2f seconds", name, time.Since(start).Seconds())
}

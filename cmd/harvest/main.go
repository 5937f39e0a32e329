package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timmy/bookharvest/internal/config"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/service"
	"gorm.io/gorm"
)

const usage = `usage: harvest <command> [flags]

commands:
  index     page through the remote catalog into the catalog store
  enrich    resolve the text file of indexed items
  download  fetch text for enriched items
  dedup     merge downloaded corpora, dropping exact and near duplicates
  reset     return failed or enriched rows to not-attempted
  stats     print row counts per phase state

run "harvest <command> -h" for the flags of a command`

// app carries what every subcommand needs.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *logger.Logger
	catalog  *repository.CatalogRepository
	state    *repository.IndexStateRepository
	recorder *service.RunRecorder
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"index":    runIndex,
	"enrich":   runEnrich,
	"download": runDownload,
	"dedup":    runDedup,
	"reset":    runReset,
	"stats":    runStats,
}

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	// --config may appear anywhere in the subcommand's arguments
	configPath, args := extractConfigFlag(os.Args[2:])
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		log:      appLogger,
		catalog:  repository.NewCatalogRepository(db),
		state:    repository.NewIndexStateRepository(db),
		recorder: service.NewRunRecorder(repository.NewRunRepository(db)),
	}

	ctx, cancel := context.WithCancel(appLogger.WithContext(context.Background()))
	defer cancel()
	handleSignals(cancel, appLogger)

	if err := cmd(ctx, a, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		closeDB(db)
		appLogger.WithError(err).WithField("command", name).Fatal("Command failed")
	}
	closeDB(db)
}

// handleSignals cancels the running phase on the first SIGINT or SIGTERM so
// it can persist what it has, and exits immediately on the second.
func handleSignals(cancel context.CancelFunc, log *logger.Logger) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, finishing in-flight work (interrupt again to force exit)")
		cancel()
		<-sigChan
		log.Warn("Forced exit")
		logger.Sync()
		os.Exit(130)
	}()
}

func extractConfigFlag(args []string) (string, []string) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--config" || arg == "-config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-config="):
			path = strings.TrimPrefix(arg, "-config=")
		default:
			rest = append(rest, arg)
		}
	}
	return path, rest
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: harvest %s [--config path] [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}

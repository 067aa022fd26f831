package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/pbac-service/internal/app"
	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/schema"
	"github.com/your-org/pbac-service/pkg/logger"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
	// GitCommit is set during build
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	schemaType := flag.String("schema", "", "Print a JSON Schema (config or policies) and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pbac-service %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if *schemaType != "" {
		os.Exit(printSchema(*schemaType))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting pbac-service",
		logger.String("version", Version),
		logger.String("commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, app.WithBuildInfo(app.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}))
	if err != nil {
		logger.Fatal("invalid configuration", logger.Err(err))
	}

	if err := application.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize application", logger.Err(err))
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped with error", logger.Err(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("pbac-service stopped")
}

func printSchema(name string) int {
	st, ok := schema.ParseSchemaType(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown schema type: %s (available: config, policies)\n", name)
		return 1
	}
	data, err := schema.NewGenerator().Generate(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate schema: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

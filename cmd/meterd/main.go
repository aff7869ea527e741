package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/voltmet/prepaid-metering-worker/internal/config"
	"go.uber.org/fx"
)

func main() {
	loadEnvFile()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideValidator,
			ProvideApplicator,
			ProvideCoordinator,
			ProvideMachine,
			ProvideIngestService,
			ProvideOfflineSweeper,
			ProvideHTTPServer,
		),
		fx.Invoke(startConsumer, startOfflineSweeper, startHTTPServer),
	)

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			fmt.Println("application start timed out: check database and RabbitMQ connectivity")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}

// loadEnvFile looks for a .env in the working directory and its
// parents; absence is fine in containerized deployments.
func loadEnvFile() {
	paths := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parent := filepath.Dir(workDir)
		paths = append(paths,
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				abs, _ := filepath.Abs(path)
				fmt.Printf("Loaded environment from: %s\n", abs)
				return
			}
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}

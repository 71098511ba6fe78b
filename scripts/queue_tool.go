package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"goldrock/internal/database"
	"goldrock/internal/models"

	"github.com/rs/zerolog"
)

// Inspect, export or import the persisted offline queue of a stopped daemon.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath     = flag.String("db", "./data/queue.db", "path to sqlite queue db")
		exportPath = flag.String("export", "", "write the queue envelope to this file")
		importPath = flag.String("import", "", "replace the queue with the envelope (or legacy array) in this file")
	)
	flag.Parse()

	if *exportPath != "" && *importPath != "" {
		return fmt.Errorf("-export and -import are mutually exclusive")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := database.NewQueueStore(db)

	if *importPath != "" {
		data, err := os.ReadFile(*importPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", *importPath, err)
		}
		actions, err := models.DecodeQueue(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", *importPath, err)
		}
		for _, a := range actions {
			if !a.Kind.Valid() {
				logger.Warn().Str("action_id", a.ID).Str("kind", string(a.Kind)).Msg("unknown kind kept as-is")
			}
		}
		if err := store.Save(ctx, actions); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		logger.Info().Int("actions", len(actions)).Str("from", *importPath).Msg("queue imported")
		return nil
	}

	actions, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	if *exportPath != "" {
		data, err := models.EncodeQueue(actions, time.Now())
		if err != nil {
			return err
		}
		if err := os.WriteFile(*exportPath, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", *exportPath, err)
		}
		logger.Info().Int("actions", len(actions)).Str("to", *exportPath).Msg("queue exported")
		return nil
	}

	for _, a := range actions {
		logger.Info().
			Str("action_id", a.ID).
			Str("kind", string(a.Kind)).
			Int("retry_count", a.RetryCount).
			Time("enqueued_at", a.EnqueuedTime()).
			Int("payload_bytes", len(a.Payload)).
			Msg("pending action")
	}
	logger.Info().Int("pending", len(actions)).Msg("queue summary")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/outbox"
)

// revive-dead puts submissions the exam API rejected back into the outbox,
// typically after the rejection cause was fixed upstream.
func main() {
	driver := flag.String("driver", "", "Outbox driver to revive (default OUTBOX_DRIVER)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if *driver == "" {
		*driver = cfg.OutboxDriver
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var reviver outbox.Reviver
	switch *driver {
	case config.OutboxDriverSQLite:
		box, err := outbox.OpenSQLite(ctx, cfg.OutboxSQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite outbox")
		}
		defer box.Close()
		reviver = box
	case config.OutboxDriverRedis:
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		reviver = outbox.NewRedis(rdb)
	default:
		log.Fatal().Str("driver", *driver).Msg("Unknown outbox driver")
	}

	n, err := reviver.Revive(ctx, time.Now())
	if errors.Is(err, outbox.ErrUnreadable) {
		log.Warn().Err(err).Msg("Some dead submissions could not be decoded and were left in place")
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Int64("revived", n).Msg("Revive stopped early")
		return
	}
	log.Info().Int64("revived", n).Str("driver", *driver).Msg("Dead submissions requeued")
}

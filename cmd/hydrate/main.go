// Command hydrate reconstructs continuous audio for a recorded session from
// its speech-only tracks and stored burst timestamps.
//
// Usage:
//
//	hydrate [-out dir] [-mix] [-no-clamp] <session-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-scribe/internal/config"
	"github.com/user/discord-scribe/internal/hydrate"
	"github.com/user/discord-scribe/internal/store"
)

func main() {
	outDir := flag.String("out", "hydrated", "output directory")
	mix := flag.Bool("mix", false, "also produce a combined mix of all speakers")
	noClamp := flag.Bool("no-clamp", false, "disable the silence-gap clamp")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <session-id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	sessionID := flag.Arg(0)

	cfg, err := config.LoadOffline()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.LogLevel)

	codec, err := hydrate.NewFFmpeg(cfg.FFmpegPath)
	if err != nil {
		log.Fatal().Err(err).Msg("External decode tool unavailable")
	}

	ctx := context.Background()
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	r := hydrate.NewReconstructor(st, codec, hydrate.Config{NoClamp: *noClamp})
	outputs, err := r.HydrateSession(ctx, sessionID, *outDir, *mix)
	if err != nil {
		log.Fatal().Err(err).Str("session_id", sessionID).Msg("Hydration failed")
	}

	for _, path := range outputs {
		fmt.Println(path)
	}
	log.Info().Int("files", len(outputs)).Msg("Hydration complete")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

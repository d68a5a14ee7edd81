// Pairtrader - statistical-arbitrage pair-trading daemon for Lighter
//
// The daemon trades cointegrated perp-futures pairs on the Lighter DEX:
//
// 1. Fit a hedge ratio over a training window (rolling OLS)
// 2. Watch the spread z-score over a shorter trading window
// 3. Enter long/short spread positions when the z-score diverges
// 4. Exit on mean reversion, stop-loss, or z-score blowout
// 5. Keep per-pair equity ledgers and a full job log in the database
//
// Each enabled pair runs on its own schedule; an operator controls the
// daemon over Telegram.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairtrader/internal/bot"
	"github.com/web3guy0/pairtrader/internal/config"
	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/engine"
	"github.com/web3guy0/pairtrader/internal/marketdata"
	"github.com/web3guy0/pairtrader/internal/scheduler"
	"github.com/web3guy0/pairtrader/internal/secrets"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("mode", "pair_trading").
		Msg("📐 Pairtrader starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Credential cipher. Without a key the daemon still runs: cycles log
	// signals but every order path stops at "no credential".
	var cipher *secrets.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = secrets.New(cfg.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid TS_ENCRYPTION_KEY")
		}
	} else {
		log.Warn().Msg("⚠️ TS_ENCRYPTION_KEY not set - stored credentials cannot be used")
	}

	// Market data gateway against the active credential's exchange host
	host := database.DefaultHost
	if cred, err := db.GetActiveCredential(); err == nil && cred != nil && cred.Host != "" {
		host = cred.Host
	}
	market := marketdata.New(host)
	log.Info().Str("host", host).Msg("📈 Market data gateway ready")

	// Order book stream over every market an enabled pair touches
	pairs, err := db.GetEnabledPairs()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list enabled pairs")
	}
	var stream *marketdata.Stream
	if markets := pairMarkets(pairs); len(markets) > 0 {
		stream = marketdata.NewStream(host, markets)
		stream.Start()
		market.UseStream(stream)
	}

	// Trading engine and scheduler
	eng := engine.New(engine.Config{
		DB:     db,
		Market: market,
		Cipher: cipher,
	})
	sched := scheduler.New(db, eng)
	eng.SetJobRemover(sched)

	// Reconcile positions left over from the previous run before any
	// cycle can act on them.
	eng.SyncPositions(ctx)

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Telegram operator bot
	var telegramBot *bot.Bot
	if cfg.TelegramEnabled() {
		telegramBot, err = bot.New(cfg.TelegramBotToken, cfg.TelegramChatIDs, db, eng, sched)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		eng.SetNotifier(telegramBot)
		telegramBot.Start()
	} else {
		log.Warn().Msg("⚠️ Telegram not configured - operator alerts disabled")
	}

	log.Info().Int("pairs", len(pairs)).Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	sched.Stop()
	if stream != nil {
		stream.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}

// pairMarkets collects the distinct market indexes of the given pairs.
func pairMarkets(pairs []database.TradingPair) []int {
	seen := make(map[int]bool)
	markets := make([]int, 0, 2*len(pairs))
	for _, p := range pairs {
		for _, m := range []int{p.MarketA, p.MarketB} {
			if !seen[m] {
				seen[m] = true
				markets = append(markets, m)
			}
		}
	}
	return markets
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/account"
	"github.com/PENG1028/TradingFetcher/internal/api"
	"github.com/PENG1028/TradingFetcher/internal/controller"
	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/internal/feed"
	"github.com/PENG1028/TradingFetcher/internal/gateway"
	"github.com/PENG1028/TradingFetcher/internal/monitor"
	"github.com/PENG1028/TradingFetcher/pkg/config"
	"github.com/PENG1028/TradingFetcher/pkg/db"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/binance"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/okx"
	"github.com/PENG1028/TradingFetcher/pkg/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	venues, err := config.LoadVenues(cfg.VenuesPath)
	if err != nil {
		log.Printf("venue presets: %v (using defaults)", err)
	}
	okxPreset := venues.Venues["okx"]
	binPreset := venues.Venues["binance"]

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := db.NewQueries(database.DB)

	writer := db.NewBatchWriter(database.DB, 50, 500*time.Millisecond)
	defer writer.Close()

	// Venue clients behind their REST budgets
	okxLimiter := common.NewVenueLimiter(okxPreset.RequestsPerSecond, okxPreset.Concurrency)
	binLimiter := common.NewVenueLimiter(binPreset.RequestsPerSecond, binPreset.Concurrency)

	okxClient := okx.NewClient(okx.Config{
		APIKey:     cfg.OKXAPIKey,
		APISecret:  cfg.OKXAPISecret,
		Passphrase: cfg.OKXPassphrase,
	}, okxLimiter)
	binClient := binance.NewClient(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
	}, binLimiter)
	binClient.TimeSync().Start(ctx)

	sysMetrics := monitor.NewSystemMetrics()
	sysMetrics.SetLimiterCap("okx", okxPreset.Concurrency)
	sysMetrics.SetLimiterCap("binance", binPreset.Concurrency)

	// Symbol universe: explicit config, venue file, or the intersection
	// of both venues' live USDT perpetuals.
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = venues.Symbols
	}
	if len(symbols) == 0 {
		symbols, err = discoverSymbols(ctx, okxClient, binClient)
		if err != nil {
			log.Fatalf("symbol discovery failed: %v", err)
		}
		log.Printf("discovered %d tradable symbols", len(symbols))
	}
	if len(symbols) == 0 {
		log.Fatal("no tradable symbols on both venues")
	}

	// Price aggregation; fee rates are per leg in percent.
	var onQuote func(common.Quote)
	if cfg.RecordTicks {
		onQuote = func(q common.Quote) {
			writer.Write(db.TickWriteOp(db.Tick{
				Market:      "futures",
				ProductType: "usdt_perp",
				Venue:       string(q.Venue),
				Symbol:      q.Symbol,
				TS:          q.TS.UnixMilli(),
				Bid:         q.Bid,
				Ask:         q.Ask,
				Last:        q.Last,
			}))
		}
	}
	agg := feed.NewAggregator(bus, okxPreset.FeeRate*100, binPreset.FeeRate*100, onQuote)

	// Account state from both venues
	acct := account.NewSynchronizer(bus, queries, []account.VenueClient{
		&account.OKXClient{C: okxClient, Quote: func(symbol string) (common.Quote, bool) {
			return agg.Quote(common.VenueOKX, symbol)
		}},
		&account.BinanceClient{C: binClient},
	}, account.Options{
		Symbols:           symbols,
		SnapshotInterval:  cfg.SnapshotInterval,
		InstrumentRefresh: cfg.InstrumentRefresh,
	})
	if err := acct.Start(ctx); err != nil {
		log.Fatalf("account sync failed: %v", err)
	}
	symbols = acct.Tradable()
	if len(symbols) == 0 {
		log.Fatal("no symbols listed live on both venues")
	}
	log.Printf("trading %d symbols across okx/binance", len(symbols))

	// Market data streams. Quotes are applied only when the generation
	// matches the supervisor's current connection, so a stale socket
	// that lingers through a reconnect cannot poison the book.
	streamOpts := stream.Options{HardReconnect: cfg.HardReconnect}

	var okxPubSup *stream.Supervisor
	okxPubSup = stream.NewSupervisor(&okx.PublicHandler{
		Symbols: symbols,
		ContractsToCoin: func(symbol string, contracts float64) float64 {
			return acct.ContractsToCoin(common.VenueOKX, symbol, contracts)
		},
		OnQuote: func(gen uint64, q common.Quote) {
			if !okxPubSup.Current(gen) {
				return
			}
			agg.Apply(q)
		},
	}, streamOpts, onStreamState(bus, okxLimiter, "okx-public"))

	var binPubSup *stream.Supervisor
	binPubSup = stream.NewSupervisor(&binance.PublicHandler{
		Symbols: symbols,
		OnQuote: func(gen uint64, u binance.QuoteUpdate) {
			if !binPubSup.Current(gen) {
				return
			}
			agg.Apply(common.Quote{
				Venue:   common.VenueBinance,
				Symbol:  u.Symbol,
				Bid:     u.Bid,
				Ask:     u.Ask,
				BidSize: u.BidSize,
				AskSize: u.AskSize,
				Last:    u.Last,
				TS:      u.TS,
			})
		},
	}, streamOpts, onStreamState(bus, binLimiter, "binance-public"))

	var okxPrivSup *stream.Supervisor
	okxPrivSup = stream.NewSupervisor(&okx.PrivateHandler{
		Cfg: okx.Config{
			APIKey:     cfg.OKXAPIKey,
			APISecret:  cfg.OKXAPISecret,
			Passphrase: cfg.OKXPassphrase,
		},
		OnAccount: func(gen uint64, ev okx.BalancePosition) {
			if !okxPrivSup.Current(gen) {
				return
			}
			acct.HandleOKXPush(ev)
		},
		OnFill: func(gen uint64, f common.Fill) {
			if !okxPrivSup.Current(gen) {
				return
			}
			acct.HandleOKXFill(ctx, f, "")
		},
	}, streamOpts, onStreamState(bus, nil, "okx-private"))

	binUser := &binance.UserHandler{Client: binClient}
	var binUserSup *stream.Supervisor
	binUser.OnFill = func(gen uint64, f common.Fill) {
		if !binUserSup.Current(gen) {
			return
		}
		acct.RecordFill(ctx, f, "")
	}
	binUser.OnAccount = func(gen uint64, ev binance.AccountEvent) {
		if !binUserSup.Current(gen) {
			return
		}
		acct.HandleBinancePush(ev)
	}
	binUserSup = stream.NewSupervisor(binUser, streamOpts, onStreamState(bus, nil, "binance-user"))

	acct.SetListenKeyRenewer(func(ctx context.Context) error {
		key := binUser.ListenKey()
		if key == "" {
			return nil
		}
		return binClient.KeepAliveListenKey(ctx, key)
	})

	okxPubSup.Start(ctx)
	binPubSup.Start(ctx)
	okxPrivSup.Start(ctx)
	binUserSup.Start(ctx)

	// Order routing
	gw := gateway.New(okxClient, binClient, acct, agg, gateway.Options{
		Leverage:   int(cfg.Leverage),
		MarginMode: cfg.MarginMode,
		ReduceOnly: true,
	})
	gw.Setup(ctx, symbols)

	// Decision loop
	ctrl := controller.New(controller.Config{
		EntryThresholdPct:    cfg.EntryThresholdPct,
		GoalNetBase:          cfg.GoalNetBase,
		TaperMax:             cfg.TaperMax,
		TaperMin:             cfg.TaperMin,
		MaxHold:              cfg.MaxHold,
		MaxOpenPairs:         cfg.MaxOpenPairs,
		BaseMargin:           cfg.BaseMargin,
		MinMargin:            cfg.MinMargin,
		MaxMarginPerSymbol:   cfg.MaxMarginPerSymbol,
		Leverage:             int(cfg.Leverage),
		DepthFactor:          cfg.DepthFactor,
		NotionalTolerance:    cfg.NotionalTolerance,
		ReduceOnlyPairs:      cfg.ReduceOnlyPairs,
		LiquidationThreshold: cfg.LiquidationThreshold,
		MarginMode:           cfg.MarginMode,
		CycleInterval:        cfg.CycleInterval,
		LegGrace:             cfg.LegGrace,
		ConfirmDeadline:      cfg.ConfirmDeadline,
		ConfirmInterval:      cfg.ConfirmInterval,
		ExitRetries:          cfg.ExitRetries,
		ExitRetryDelay:       cfg.ExitRetryDelay,
		MinNotional: func(v common.Venue, symbol string) float64 {
			inst, ok := acct.Instrument(v, symbol)
			if !ok {
				return 0
			}
			return inst.MinNotionalUSDT
		},
	}, bus, agg, acct, gw, queries)
	ctrl.SetCycleObserver(func(d time.Duration) {
		sysMetrics.CycleLatency.RecordDuration(d)
	})
	ctrl.Start(ctx)

	mon := &monitor.Monitor{Bus: bus, Metrics: sysMetrics}
	mon.Start(ctx)

	// Status API
	if cfg.EnableAPI {
		server := api.NewServer(bus, queries, agg, acct, ctrl.Locks(), sysMetrics, api.SystemMeta{
			Symbols: symbols,
			Version: buildVersion,
		})
		go func() {
			if err := server.Start(":" + cfg.Port); err != nil {
				log.Fatalf("api server error: %v", err)
			}
		}()
		log.Printf("status api listening on :%s", cfg.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
	writer.Flush()
}

// discoverSymbols intersects the live USDT perpetuals of both venues.
func discoverSymbols(ctx context.Context, okxClient *okx.Client, binClient *binance.Client) ([]string, error) {
	okxInsts, err := okxClient.GetInstruments(ctx, nil)
	if err != nil {
		return nil, err
	}
	binInsts, err := binClient.GetInstruments(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []string
	for sym := range okxInsts {
		if _, ok := binInsts[sym]; ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

// onStreamState publishes stream transitions and, once a venue's public
// feed is live, shifts that venue's REST budget from bulk loading to
// live trading.
func onStreamState(bus *events.Bus, limiter *common.VenueLimiter, name string) func(stream.State) {
	var once sync.Once
	return func(st stream.State) {
		log.Printf("stream %s: %s", name, st)
		bus.Publish(events.EventStreamState, name+":"+st.String())
		if st == stream.StateLive && limiter != nil {
			once.Do(func() {
				limiter.ShiftToLive()
				log.Printf("stream %s: shifted REST budget to live pool", name)
			})
		}
	}
}

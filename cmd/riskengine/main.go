package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"riskengine/internal/api"
	"riskengine/internal/api/handlers"
	"riskengine/internal/bridge"
	"riskengine/internal/config"
	"riskengine/internal/engine"
	"riskengine/internal/eventlog"
	"riskengine/internal/exchange"
	"riskengine/internal/protect"
	"riskengine/internal/repository"
	"riskengine/internal/risk"
	"riskengine/internal/store"
	"riskengine/internal/websocket"
	"riskengine/pkg/utils"
)

func main() {
	configPath := flag.String("config", os.Getenv("RISKENGINE_CONFIG"), "path to YAML config")
	flag.Parse()

	// Загрузка конфигурации
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("riskengine exited with error", utils.Err(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("riskengine exited")
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting riskengine",
		utils.String("environment", cfg.App.Environment),
		utils.Bool("testnet", cfg.Binance.Testnet),
		utils.Any("symbols", cfg.Trading.Symbols))

	// Биржа: фильтры, время, плечо до приёма намерений
	client := exchange.NewBinance(cfg.Binance, cfg.Engine.EventBuffer)
	prepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err := client.Prepare(prepCtx, cfg.Trading.Symbols, cfg.Trading.Leverage)
	cancel()
	if err != nil {
		client.Close()
		return fmt.Errorf("prepare exchange: %w", err)
	}

	st := store.New(store.Config{
		AttachGrace: cfg.Trading.AttachGrace,
		Leverage:    cfg.Trading.Leverage,
	})
	rk := risk.NewEngine(risk.ConfigFrom(cfg.Trading, cfg.Risk), st)

	var (
		sinks     []engine.Sink
		notifiers = engine.MultiNotifier{engine.NewLogNotifier()}
	)

	// JSONL журнал
	if cfg.App.EventLogDir != "" {
		journal, err := eventlog.Open(cfg.App.EventLogDir)
		if err != nil {
			return err
		}
		defer journal.Close()
		sinks = append(sinks, journal)
		log.Info("event journal enabled", utils.String("dir", cfg.App.EventLogDir))
	}

	// Postgres архив
	var history *handlers.HistoryHandler
	if cfg.Database.Enabled {
		db, archive, err := openArchive(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		defer archive.Close()
		sinks = append(sinks, archive)
		notifiers = append(notifiers, archive)
		history = handlers.NewHistoryHandler(archive.Trades(), archive.Notifications(), archive.Rejections())
		log.Info("postgres archive enabled", utils.String("dsn", cfg.Database.DSNWithoutPassword()))
	}

	// Живая лента для ops клиентов
	var hub *websocket.Hub
	if cfg.Server.Enabled {
		hub = websocket.NewHub(cfg.Server.AllowedOrigins)
		go hub.Run()
		defer hub.Stop()
		sinks = append(sinks, hub)
		notifiers = append(notifiers, hub)
	}

	// Redis мост: исходящие события
	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		rdb, err = bridge.Dial(cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, bridge.NewPublisher(rdb, cfg.Redis))
		log.Info("redis bridge enabled", utils.String("addr", cfg.Redis.Addr))
	}

	eng := engine.New(engine.ConfigFrom(cfg), client, st, rk,
		protect.ConfigFrom(cfg.Trading, cfg.Risk), notifiers, sinks...)
	if hub != nil {
		hub.SetHello(eng.HaltedSymbols)
	}

	// Стрим останавливает только Engine.shutdown через Close
	if err := client.Start(context.Background()); err != nil {
		client.Close()
		return fmt.Errorf("start user data stream: %w", err)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	// Redis мост: входящие намерения и рыночные снимки
	if rdb != nil {
		consumer := bridge.NewConsumer(rdb, cfg.Redis, eng)
		if err := consumer.EnsureGroups(ctx); err != nil {
			log.Error("redis consumer groups", utils.Err(err))
		} else {
			go consumer.Run(ctx)
		}
	}

	var server *http.Server
	if cfg.Server.Enabled {
		deps := &api.Dependencies{
			Engine:         eng,
			History:        history,
			Security:       cfg.Security,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}
		deps.Events = hub.ServeWS
		server = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      api.SetupRoutes(deps),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("ops api listening", utils.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops api failed", utils.Err(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	// Сначала движок: drain, отмена неподтверждённых входов, закрытие стрима
	err = <-engineDone

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Warn("ops api shutdown", utils.Err(serr))
		}
	}
	return err
}

// openArchive подключает Postgres, применяет схему и создаёт архив
func openArchive(cfg config.DatabaseConfig) (*sql.DB, *repository.Archive, error) {
	db, err := repository.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := repository.Migrate(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, repository.NewArchive(db), nil
}

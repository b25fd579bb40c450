package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"campustrade_feed/cache"
	"campustrade_feed/config"
	"campustrade_feed/feed"
	"campustrade_feed/hub"
	"campustrade_feed/instruments"
	"campustrade_feed/market"
	"campustrade_feed/metrics"
	"campustrade_feed/middleware"
	"campustrade_feed/models"
	"campustrade_feed/monitoring"
	"campustrade_feed/utils"
	"campustrade_feed/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env file not found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := utils.InitLogger(cfg.App.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Logger.Sync()

	universe, err := instruments.Load(cfg.Feed.InstrumentsFile)
	if err != nil {
		utils.Logger.Fatalw("Failed to load instrument universe",
			"file", cfg.Feed.InstrumentsFile,
			"error", err)
	}
	utils.Logger.Infow("Instrument universe loaded",
		"file", cfg.Feed.InstrumentsFile,
		"instruments", len(universe))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priceCache := cache.New()
	h := hub.New(priceCache, utils.Logger, cfg.Stream.MaxInterests)

	// Optional Redis mirror of the latest tick per instrument, for
	// collaborators that need current prices without a stream.
	var mirror *cache.RedisMirror
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror = cache.NewRedisMirror(rdb, cfg.Redis.KeyTTL, utils.Logger)
		go middleware.Recover("redis-mirror", func() { mirror.Run(ctx) })
		monitoring.RegisterHealthCheck("redis_mirror", func() bool {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return mirror.Ping(pingCtx)
		})
		utils.Logger.Infow("Redis mirror enabled", "addr", cfg.Redis.Addr)
	}

	// Every produced tick takes the same path: cache write, optional mirror,
	// fan-out to interested connections.
	sink := func(t *models.PriceTick) {
		priceCache.Put(t)
		if mirror != nil {
			mirror.Publish(t)
		}
		start := time.Now()
		h.BroadcastTick(t)
		metrics.RecordFanoutDuration(time.Since(start))
		metrics.IncrementProduced()
	}

	schedule, err := market.NewISTSchedule()
	if err != nil {
		utils.Logger.Fatalw("Failed to load market schedule", "error", err)
	}

	producer := buildProducer(cfg, universe, schedule, sink, h)
	go middleware.Recover("producer", func() {
		if err := producer.Run(ctx); err != nil && ctx.Err() == nil {
			utils.Error(err, "Producer stopped")
		}
	})

	wsServer := ws.NewServer(h, utils.Logger, ws.ServerConfig{
		SendBuffer:    cfg.Stream.SendBuffer,
		CmdsPerMinute: cfg.Stream.CmdsPerMinute,
		IdleTimeout:   cfg.Stream.IdleTimeout,
		SweepInterval: cfg.Stream.SweepInterval,
	})
	go wsServer.Sweep(ctx)

	monitoring.StartMetricsCollection(ctx)
	monitoring.RegisterHealthCheck("feed", func() bool {
		produced, _, last, _ := metrics.GetStats()
		if produced == 0 {
			return true // still warming up, or market closed since start
		}
		return time.Since(last) < 5*time.Minute
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/prices", pricesHandler(priceCache))
	mux.HandleFunc("/api/prices/", priceHandler(priceCache))
	mux.HandleFunc("/api/instruments", instrumentsHandler(universe))
	mux.HandleFunc("/api/market-status", marketStatusHandler(schedule))

	server := &http.Server{
		Addr:    cfg.App.ListenAddr,
		Handler: utils.RequestLogger(mux),
	}

	go func() {
		utils.Logger.Infow("Price feed listening",
			"addr", cfg.App.ListenAddr,
			"feed_mode", cfg.Feed.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Logger.Fatalw("Server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	utils.Logger.Infow("Shutting down")
	cancel()
	wsServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func buildProducer(cfg *config.Config, universe []models.Instrument, schedule *market.Schedule, sink feed.Sink, h *hub.Hub) feed.Producer {
	if cfg.Feed.Mode == config.FeedModeUpstream {
		up := feed.NewUpstream(universe, feed.UpstreamConfig{
			AuthorizeURL: cfg.Upstream.AuthorizeURL,
			AccessToken:  cfg.Upstream.AccessToken,
			DialTimeout:  cfg.Upstream.DialTimeout,
		}, sink, utils.Logger)
		up.OnStatus = h.BroadcastStatus
		return up
	}

	simCfg := feed.SimulatorConfig{
		Interval:        cfg.Feed.TickInterval,
		MaxDriftPercent: cfg.Feed.MaxDriftPercent,
		SeedPriceMin:    cfg.Feed.SeedPriceMin,
		SeedPriceMax:    cfg.Feed.SeedPriceMax,
	}
	if cfg.Feed.MarketHoursOnly {
		simCfg.Schedule = schedule
	}
	sim := feed.NewSimulator(universe, simCfg, sink, utils.Logger, nil)
	sim.OnSession = func(open bool, msg string) {
		if open {
			h.BroadcastStatus(models.StatusConnected, msg)
		} else {
			h.BroadcastStatus(models.StatusDisconnected, msg)
		}
	}
	return sim
}

// pricesHandler serves the full cache snapshot.
func pricesHandler(c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := c.Snapshot()
		out := make(map[string]models.PriceData, len(snapshot))
		for key, t := range snapshot {
			out[key] = models.NewPriceUpdate(t).Data
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// priceHandler serves one instrument's latest tick.
func priceHandler(c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/api/prices/")
		if key == "" {
			http.NotFound(w, r)
			return
		}
		t, ok := c.Get(key)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no price for instrument"})
			return
		}
		writeJSON(w, http.StatusOK, models.NewPriceUpdate(t))
	}
}

func instrumentsHandler(universe []models.Instrument) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, universe)
	}
}

func marketStatusHandler(schedule *market.Schedule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		open, msg := schedule.Status(time.Now())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"is_open":      open,
			"current_time": time.Now().UTC().Format(time.RFC3339),
			"message":      msg,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

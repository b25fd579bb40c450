package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"campustrade_feed/market"
	"campustrade_feed/models"
)

// Sink receives every tick a producer emits. Producers push; nothing polls.
type Sink func(*models.PriceTick)

// Producer is anything that can feed ticks into the pipeline until its
// context is cancelled.
type Producer interface {
	Run(ctx context.Context) error
}

const (
	floorPrice    = 0.05
	maxVolumeStep = 5000
)

// SimulatorConfig tunes the random walk.
type SimulatorConfig struct {
	Interval        time.Duration
	MaxDriftPercent float64
	SeedPriceMin    float64
	SeedPriceMax    float64
	Schedule        *market.Schedule // nil: always open
}

// Simulator generates a bounded multiplicative random walk per instrument:
// each interval the price moves by a uniform draw within +/-MaxDriftPercent,
// clamped away from zero, with ChangePercent computed against the
// session-open reference price.
type Simulator struct {
	cfg    SimulatorConfig
	sink   Sink
	logger *zap.SugaredLogger
	rng    *rand.Rand

	keys    []string
	open    map[string]float64
	last    map[string]float64
	volume  map[string]int64
	wasOpen bool

	// OnSession, if set, is called once on every session open/close
	// transition (used to broadcast feed status to subscribers).
	OnSession func(open bool, message string)
}

func NewSimulator(instruments []models.Instrument, cfg SimulatorConfig, sink Sink, logger *zap.SugaredLogger, rng *rand.Rand) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxDriftPercent <= 0 {
		cfg.MaxDriftPercent = 0.5
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Simulator{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		rng:     rng,
		open:    make(map[string]float64),
		last:    make(map[string]float64),
		volume:  make(map[string]int64),
		wasOpen: true,
	}
	for _, inst := range instruments {
		seed := inst.SeedPrice
		if seed <= 0 {
			seed = seedPrice(inst.InstrumentKey, cfg.SeedPriceMin, cfg.SeedPriceMax)
		}
		s.keys = append(s.keys, inst.InstrumentKey)
		s.open[inst.InstrumentKey] = seed
		s.last[inst.InstrumentKey] = seed
	}
	return s
}

// Run emits one tick per instrument per interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Infow("Simulator started",
		"instruments", len(s.keys),
		"interval", s.cfg.Interval,
		"max_drift_percent", s.cfg.MaxDriftPercent)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.step(now)
		}
	}
}

// step advances every instrument by one interval. Split out from Run so
// tests can drive the walk deterministically.
func (s *Simulator) step(now time.Time) {
	if s.cfg.Schedule != nil {
		open, msg := s.cfg.Schedule.Status(now)
		if open != s.wasOpen {
			s.wasOpen = open
			s.logger.Infow("Market session transition", "open", open, "message", msg)
			if s.OnSession != nil {
				s.OnSession(open, msg)
			}
		}
		if !open {
			return
		}
	}

	for _, key := range s.keys {
		drift := (s.rng.Float64()*2 - 1) * s.cfg.MaxDriftPercent / 100
		price := s.last[key] * (1 + drift)
		if price < floorPrice {
			price = floorPrice
		}
		price = math.Round(price*100) / 100
		s.last[key] = price
		s.volume[key] += s.rng.Int63n(maxVolumeStep + 1)

		ref := s.open[key]
		s.sink(&models.PriceTick{
			InstrumentKey: key,
			LastPrice:     price,
			ChangePercent: math.Round((price-ref)/ref*10000) / 100,
			Volume:        s.volume[key],
			Timestamp:     now.UTC(),
		})
	}
}

// seedPrice derives a stable opening price from the instrument key so
// restarts without an explicit seed stay consistent.
func seedPrice(key string, min, max float64) float64 {
	if min <= 0 {
		min = 50
	}
	if max <= min {
		max = min + 1000
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	frac := float64(h.Sum32()) / float64(math.MaxUint32)
	return math.Round((min+(max-min)*frac)*100) / 100
}

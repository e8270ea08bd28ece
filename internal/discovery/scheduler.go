package discovery

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/askbridge/askbridge/config"
)

// Scheduler triggers periodic cache refreshes on a cron expression. A redis
// lock keeps multiple server replicas from refreshing the same source twice.
type Scheduler struct {
	Coord  *Coordinator
	Rdb    *redis.Client
	Cfg    config.DiscoveryConfig
	Logger *log.Logger

	stop chan struct{}
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	s.stop = make(chan struct{})
	ticker := time.NewTicker(time.Minute)
	go func() {
		last := time.Now()
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case now := <-ticker.C:
				if s.due(last, now) {
					s.tick()
					last = now
				}
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
}

// due reports whether the configured cron expression fires in (last, now].
// Supports "@hourly", "@daily", and standard cron expressions.
func (s *Scheduler) due(last, now time.Time) bool {
	switch s.Cfg.RefreshCron {
	case "":
		return false
	case "@hourly":
		return now.Sub(last) >= time.Hour
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	}
	expr, err := cronexpr.Parse(s.Cfg.RefreshCron)
	if err != nil {
		s.Logger.Printf("invalid refresh cron %q, falling back to hourly", s.Cfg.RefreshCron)
		return now.Sub(last) >= time.Hour
	}
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	// distributed lock to avoid duplicate sweeps across replicas
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "discovery:refresh:lock", "1", s.Cfg.LockTTL).Result()
		if err != nil {
			s.Logger.Printf("acquire refresh lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "discovery:refresh:lock")
	}

	s.Coord.RefreshAll(ctx)
}

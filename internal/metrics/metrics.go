package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UsersSeeded       prometheus.Counter
	ChatsSeeded       prometheus.Counter
	SeedPasses        prometheus.Counter
	SeedTimeouts      prometheus.Counter
	ModelsDiscovered  prometheus.Counter
	DiscoverySoftFail prometheus.Counter
	DiscoveryHardFail prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UsersSeeded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "users_seeded_total",
				Help:      "Total user records updated with default chat parameters",
			}),
			ChatsSeeded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "chats_seeded_total",
				Help:      "Total chat records updated with default chat parameters",
			}),
			SeedPasses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "seed_passes_total",
				Help:      "Total completed seeding passes",
			}),
			SeedTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "seed_timeouts_total",
				Help:      "Total seeding passes that timed out waiting for store or users",
			}),
			ModelsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "models_discovered_total",
				Help:      "Total models returned by provider discovery",
			}),
			DiscoverySoftFail: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "discovery_soft_failures_total",
				Help:      "Total discovery passes that soft-failed",
			}),
			DiscoveryHardFail: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "owuiboot",
				Name:      "discovery_hard_failures_total",
				Help:      "Total discovery passes that hard-failed",
			}),
		}
		prometheus.MustRegister(
			global.UsersSeeded,
			global.ChatsSeeded,
			global.SeedPasses,
			global.SeedTimeouts,
			global.ModelsDiscovered,
			global.DiscoverySoftFail,
			global.DiscoveryHardFail,
		)
	})
	return global
}

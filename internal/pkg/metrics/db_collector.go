package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// PoolCollector reports pgx pool state at scrape time.
type PoolCollector struct {
	pool      PoolStatter
	conns     *prometheus.Desc
	acquires  *prometheus.Desc
	emptyWait *prometheus.Desc
}

// NewPoolCollector creates a collector for pool.
func NewPoolCollector(pool PoolStatter) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		conns: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "db", "pool_connections"),
			"Number of database connections by state",
			[]string{"state"}, nil,
		),
		acquires: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "db", "pool_acquire_total"),
			"Cumulative count of successful connection acquires",
			nil, nil,
		),
		emptyWait: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "db", "pool_empty_acquire_total"),
			"Cumulative count of acquires that waited because the pool was empty",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.acquires
	ch <- c.emptyWait
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	for state, v := range map[string]int32{
		"in_use":       s.AcquiredConns(),
		"idle":         s.IdleConns(),
		"constructing": s.ConstructingConns(),
		"max":          s.MaxConns(),
	} {
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(v), state)
	}
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyWait, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}

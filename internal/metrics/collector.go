package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats provides the collector access to the stage worker pool.
type PoolStats interface {
	QueueDepth() int
	ActiveStages() int
	Completed() int64
	Failed() int64
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats PoolStats

	queueDepth      *prometheus.Desc
	activeStages    *prometheus.Desc
	stagesCompleted *prometheus.Desc
	stagesFailed    *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool is nil when jobs are kept in memory. stats may be nil.
func NewCollector(pool *pgxpool.Pool, stats PoolStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Stage tasks waiting for a worker.",
			nil, nil,
		),
		activeStages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_stages"),
			"Stages currently running.",
			nil, nil,
		),
		stagesCompleted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stages_completed"),
			"Stages completed since startup.",
			nil, nil,
		),
		stagesFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stages_failed"),
			"Stages that moved a job to error since startup.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.activeStages
	ch <- c.stagesCompleted
	ch <- c.stagesFailed
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var depth, active float64
	var completed, failed float64
	if c.stats != nil {
		depth = float64(c.stats.QueueDepth())
		active = float64(c.stats.ActiveStages())
		completed = float64(c.stats.Completed())
		failed = float64(c.stats.Failed())
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, depth)
	ch <- prometheus.MustNewConstMetric(c.activeStages, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.stagesCompleted, prometheus.CounterValue, completed)
	ch <- prometheus.MustNewConstMetric(c.stagesFailed, prometheus.CounterValue, failed)

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

package metrics

import "time"

// BridgeMetrics records synchronization outcomes for one source. It
// satisfies bridge.Recorder.
type BridgeMetrics struct {
	FromSource    *Counter
	ToSource      *Counter
	SourceUpdates *Counter
	Deleted       *Counter
	Errors        *Counter
	Deferred      *Counter
	Duration      *Histogram
	toDuration    *Histogram
}

// NewBridgeMetrics registers the metrics of the bridge for sourceID.
func NewBridgeMetrics(r *Registry, sourceID string) *BridgeMetrics {
	source := Labels{"source": sourceID}
	from := Labels{"source": sourceID, "direction": "from_source"}
	to := Labels{"source": sourceID, "direction": "to_source"}

	return &BridgeMetrics{
		FromSource: r.Counter("bridge_syncs_total",
			"Synchronization runs completed, by direction", from),
		ToSource: r.Counter("bridge_syncs_total",
			"Synchronization runs completed, by direction", to),
		SourceUpdates: r.Counter("bridge_source_updates_total",
			"Local changes written back to the source", source),
		Deleted: r.Counter("bridge_local_deletions_total",
			"Local names cleared because the source no longer has them", source),
		Errors: r.Counter("bridge_sync_errors_total",
			"Synchronization runs that returned an error", source),
		Deferred: r.Counter("bridge_sync_deferred_total",
			"Synchronization requests queued behind an active run", source),
		Duration: r.Histogram("bridge_sync_duration_seconds",
			"Time spent in one synchronization run", from, nil),
		toDuration: r.Histogram("bridge_sync_duration_seconds",
			"Time spent in one synchronization run", to, nil),
	}
}

// SyncedFromSource records one source-to-local run.
func (m *BridgeMetrics) SyncedFromSource(d time.Duration, deleted int, err error) {
	m.Duration.ObserveDuration(d)
	if err != nil {
		m.Errors.Inc()
		return
	}
	m.FromSource.Inc()
	m.Deleted.Add(uint64(deleted))
}

// SyncedToSource records one local-to-source run.
func (m *BridgeMetrics) SyncedToSource(d time.Duration, changes int, err error) {
	m.toDuration.ObserveDuration(d)
	if err != nil {
		m.Errors.Inc()
		return
	}
	m.ToSource.Inc()
	m.SourceUpdates.Add(uint64(changes))
}

// SyncDeferred records a request queued behind an active run.
func (m *BridgeMetrics) SyncDeferred() {
	m.Deferred.Inc()
}

// DaemonMetrics are the process-wide gauges petnamesd maintains.
type DaemonMetrics struct {
	Names             *Gauge
	DatabaseSizeBytes *Gauge
	UptimeSeconds     *Gauge
	ConfigReloads     *Counter
	ConfigErrors      *Counter
	IntegrityFailures *Gauge

	start time.Time
}

// NewDaemonMetrics registers the daemon metrics.
func NewDaemonMetrics(r *Registry) *DaemonMetrics {
	return &DaemonMetrics{
		Names: r.Gauge("names",
			"Named entries in the store", nil),
		DatabaseSizeBytes: r.Gauge("database_size_bytes",
			"Size of the name database including its WAL", nil),
		UptimeSeconds: r.Gauge("uptime_seconds",
			"Seconds since the daemon started", nil),
		ConfigReloads: r.Counter("config_reloads_total",
			"Configuration reloads applied", nil),
		ConfigErrors: r.Counter("config_reload_errors_total",
			"Configuration reloads rejected or failed", nil),
		IntegrityFailures: r.Gauge("integrity_failures",
			"Stored rows whose hash did not verify at startup", nil),
		start: time.Now(),
	}
}

// Tick refreshes the uptime gauge.
func (m *DaemonMetrics) Tick() {
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PlaylistRefreshes counts successfully stored playlist refreshes per URL.
// The "result" label distinguishes refreshes that advanced the head
// ("updated") from polls the server answered with the same head ("unchanged").
var PlaylistRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlspoll_playlist_refreshes_total",
	Help: "Number of stored playlist refreshes",
}, []string{"url", "result"})

// UpdateErrors counts recoverable errors swallowed by the update loop per
// URL. The "kind" label carries the engine error kind (http-status,
// transport, parser, rewind, ...).
var UpdateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlspoll_update_errors_total",
	Help: "Number of recovered update errors",
}, []string{"url", "kind"})

// RejectedUpdates counts playlist refreshes refused because their media
// sequence regressed behind the stored head.
var RejectedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlspoll_rejected_updates_total",
	Help: "Number of playlist updates rejected as rewinds",
}, []string{"url"})

// BlockingReloads counts update requests issued with _HLS_msn blocking
// semantics per URL.
var BlockingReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlspoll_blocking_reloads_total",
	Help: "Number of blocking playlist reload requests",
}, []string{"url"})

// PlayoutDelay exports the distance between the latest refresh instant and
// the playlist's derived end date, in seconds.
var PlayoutDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "hlspoll_playout_delay_seconds",
	Help: "Seconds between the last refresh and the playlist end date",
}, []string{"url"})

// SnapshotsDelivered counts snapshots handed to consumers through a reader,
// labelled by playlist kind.
var SnapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hlspoll_snapshots_delivered_total",
	Help: "Number of snapshots delivered to consumers",
}, []string{"kind"})

package txn

import (
	"github.com/VictoriaMetrics/metrics"
)

// Metrics counts transaction outcomes on one node
type Metrics struct {
	Commits        *metrics.Counter
	Rollbacks      *metrics.Counter
	ReadOnly       *metrics.Counter // transactions released without writes
	Conflicts      *metrics.Counter
	ReplicaErrors  *metrics.Counter
	PersistErrors  *metrics.Counter
	LockTimeouts   *metrics.Counter
	CommitDuration *metrics.Histogram
}

// NewMetrics registers the transaction metrics in set.
// A nil set gets a private one.
func NewMetrics(set *metrics.Set) *Metrics {
	if set == nil {
		set = metrics.NewSet()
	}
	return &Metrics{
		Commits:        set.NewCounter("dgrid_tx_commits_total"),
		Rollbacks:      set.NewCounter("dgrid_tx_rollbacks_total"),
		ReadOnly:       set.NewCounter("dgrid_tx_read_only_total"),
		Conflicts:      set.NewCounter("dgrid_tx_write_skew_conflicts_total"),
		ReplicaErrors:  set.NewCounter("dgrid_tx_replica_failures_total"),
		PersistErrors:  set.NewCounter("dgrid_persistence_failures_total"),
		LockTimeouts:   set.NewCounter("dgrid_tx_lock_timeouts_total"),
		CommitDuration: set.NewHistogram("dgrid_tx_commit_duration_seconds"),
	}
}

package stats

import "time"

const (
	KindPool = "pool"
	KindUser = "user"
)

// Snapshot is the hashrate of one pool or user at a point in time, the unit
// of persisted history.
type Snapshot struct {
	Kind             string
	Name             string
	Time             time.Time
	AcceptedHashrate float64
	RejectedHashrate float64
	Accepted         int64
	Rejected         int64
}

func NewSnapshot(kind, name string, now time.Time, counter *ShareCounter) Snapshot {
	snap := counter.Snapshot(now)
	return Snapshot{
		Kind:             kind,
		Name:             name,
		Time:             now,
		AcceptedHashrate: snap.AcceptedHashrate,
		RejectedHashrate: snap.RejectedHashrate,
		Accepted:         snap.Accepted,
		Rejected:         snap.Rejected,
	}
}

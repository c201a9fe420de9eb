package models

import "time"

// Replica is one controller instance's heartbeat row. At most one replica
// is active at a time among those with a fresh heartbeat.
type Replica struct {
	ID            string    `json:"id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Active        bool      `json:"active"`
}

// HeartbeatAge returns the replica's heartbeat age, or a very large
// duration when the heartbeat is missing or malformed. A replica whose
// age cannot be determined counts as expired.
func (r *Replica) HeartbeatAge(now time.Time) time.Duration {
	if r.LastHeartbeat.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(r.LastHeartbeat)
}

package transport

import (
	"time"

	"github.com/Zylum-Inc/dmpclient/fuota"
)

// downlinkStats accumulates per-deployment timing so that a send can report
// how much of its wall time went into multicast airtime versus session
// setup.
type downlinkStats struct {
	startedAt      time.Time
	multicastTotal time.Duration
	setupTotal     time.Duration
	deployments    int
}

func newDownlinkStats(now time.Time) *downlinkStats {
	return &downlinkStats{startedAt: now}
}

// record accounts one completed deployment. Steps that never completed
// (zero timestamps) contribute nothing.
func (s *downlinkStats) record(status fuota.DeploymentStatus) {
	if status.FragStatusCompletedAt > 0 && status.EnqueueCompletedAt > 0 {
		s.multicastTotal += time.Duration(status.FragStatusCompletedAt-status.EnqueueCompletedAt) * time.Second
	}
	if status.EnqueueCompletedAt > 0 && status.McGroupSetupCompletedAt > 0 {
		s.setupTotal += time.Duration(status.EnqueueCompletedAt-status.McGroupSetupCompletedAt) * time.Second
	}
	s.deployments++
}

// multicastUtilization returns the fraction of wall time spent in multicast
// downlink.
func (s *downlinkStats) multicastUtilization(now time.Time) float64 {
	wall := now.Sub(s.startedAt)
	if wall <= 0 {
		return 0
	}
	return float64(s.multicastTotal) / float64(wall)
}

// setupOverhead returns the fraction of wall time spent in session setup.
func (s *downlinkStats) setupOverhead(now time.Time) float64 {
	wall := now.Sub(s.startedAt)
	if wall <= 0 {
		return 0
	}
	return float64(s.setupTotal) / float64(wall)
}

// Package status aggregates engine counts, broker connectivity and version
// info for the health and server-status endpoints.
package status

import (
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
)

// Counter reports instance totals. The instance manager satisfies this.
type Counter interface {
	Counts() (total int, running int)
}

// EngineStatus is the instance-set summary embedded in every status payload.
type EngineStatus struct {
	InstanceCount    int `json:"instanceCount"`
	RunningInstances int `json:"runningInstances"`
}

// Health is the liveness payload.
type Health struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version"`
	Engine    EngineStatus `json:"engine"`
}

// BrokerStatus summarizes gateway connectivity.
type BrokerStatus struct {
	Connected     bool `json:"connected"`
	ActiveStreams int  `json:"activeStreams"`
}

// ServerStatus is the richer operational payload behind /trading/server-status.
type ServerStatus struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Build         string                 `json:"build"`
	StartedAt     time.Time              `json:"startedAt"`
	UptimeSeconds float64                `json:"uptimeSeconds"`
	Broker        BrokerStatus           `json:"broker"`
	Engine        EngineStatus           `json:"engine"`
	Jobs          []interfaces.JobStatus `json:"jobs,omitempty"`
}

// Service renders status payloads. All fields are read-only after
// construction, so no locking is needed.
type Service struct {
	instances Counter
	market    interfaces.MarketDataService
	scheduler interfaces.SchedulerService
	started   time.Time
	now       func() time.Time
}

// NewService captures the start time for uptime reporting.
func NewService(instances Counter, market interfaces.MarketDataService, scheduler interfaces.SchedulerService) *Service {
	return &Service{
		instances: instances,
		market:    market,
		scheduler: scheduler,
		started:   time.Now().UTC(),
		now:       time.Now,
	}
}

// Health answers the liveness probe. The server is healthy whenever it can
// answer; broker connectivity is reported separately.
func (s *Service) Health() Health {
	return Health{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Version:   common.GetVersion(),
		Engine:    s.engine(),
	}
}

// ServerStatus reports uptime, broker connectivity and the maintenance jobs.
func (s *Service) ServerStatus() ServerStatus {
	status := ServerStatus{
		Status:        "healthy",
		Version:       common.GetVersion(),
		Build:         common.GetBuild(),
		StartedAt:     s.started,
		UptimeSeconds: s.now().UTC().Sub(s.started).Seconds(),
		Engine:        s.engine(),
	}
	if s.market != nil {
		status.Broker = BrokerStatus{
			Connected:     s.market.Connected(),
			ActiveStreams: s.market.ActiveStreamCount(),
		}
	}
	if s.scheduler != nil {
		status.Jobs = s.scheduler.Jobs()
	}
	return status
}

func (s *Service) engine() EngineStatus {
	if s.instances == nil {
		return EngineStatus{}
	}
	total, running := s.instances.Counts()
	return EngineStatus{InstanceCount: total, RunningInstances: running}
}

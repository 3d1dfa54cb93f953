package status

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

type fakeCounter struct {
	total   int
	running int
}

func (f fakeCounter) Counts() (int, int) { return f.total, f.running }

type fakeMarket struct {
	connected bool
	streams   int
}

func (m fakeMarket) GetBars(context.Context, string, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}

func (m fakeMarket) Subscribe(context.Context, string, interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	return nil, nil
}

func (m fakeMarket) ActiveStreamCount() int                                       { return m.streams }
func (m fakeMarket) TestConnection(context.Context) error                         { return nil }
func (m fakeMarket) Accounts(context.Context, bool) ([]models.Account, error)     { return nil, nil }
func (m fakeMarket) Contracts(context.Context, string, bool) ([]models.Contract, error) {
	return nil, nil
}
func (m fakeMarket) Connected() bool { return m.connected }
func (m fakeMarket) Close() error    { return nil }

type fakeScheduler struct {
	jobs []interfaces.JobStatus
}

func (s fakeScheduler) Start() error                 { return nil }
func (s fakeScheduler) Stop() error                  { return nil }
func (s fakeScheduler) Jobs() []interfaces.JobStatus { return s.jobs }

func TestHealthPayload(t *testing.T) {
	service := NewService(fakeCounter{total: 4, running: 2}, fakeMarket{}, nil)
	stamp := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	service.now = func() time.Time { return stamp }

	health := service.Health()
	if health.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", health.Status)
	}
	if !health.Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %s, want %s", health.Timestamp, stamp)
	}
	if health.Version == "" {
		t.Fatal("version is empty")
	}
	if health.Engine.InstanceCount != 4 || health.Engine.RunningInstances != 2 {
		t.Fatalf("engine = %+v, want 4 total 2 running", health.Engine)
	}
}

func TestServerStatusPayload(t *testing.T) {
	jobs := []interfaces.JobStatus{{Name: "historical-prune", Schedule: "0 3 * * *", Enabled: true}}
	service := NewService(fakeCounter{total: 1, running: 1}, fakeMarket{connected: true, streams: 3}, fakeScheduler{jobs: jobs})
	service.started = time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC) }

	status := service.ServerStatus()
	if status.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", status.Status)
	}
	if status.UptimeSeconds != 1800 {
		t.Fatalf("uptime = %v, want 1800", status.UptimeSeconds)
	}
	if !status.Broker.Connected || status.Broker.ActiveStreams != 3 {
		t.Fatalf("broker = %+v, want connected with 3 streams", status.Broker)
	}
	if status.Engine.InstanceCount != 1 || status.Engine.RunningInstances != 1 {
		t.Fatalf("engine = %+v", status.Engine)
	}
	if len(status.Jobs) != 1 || status.Jobs[0].Name != "historical-prune" {
		t.Fatalf("jobs = %+v", status.Jobs)
	}
}

func TestStatusWithoutCollaborators(t *testing.T) {
	service := NewService(nil, nil, nil)

	health := service.Health()
	if health.Engine.InstanceCount != 0 || health.Engine.RunningInstances != 0 {
		t.Fatalf("engine without a manager = %+v, want zeros", health.Engine)
	}
	status := service.ServerStatus()
	if status.Broker.Connected || status.Broker.ActiveStreams != 0 {
		t.Fatalf("broker without a market = %+v, want zeros", status.Broker)
	}
	if status.Jobs != nil {
		t.Fatalf("jobs without a scheduler = %+v, want none", status.Jobs)
	}
}

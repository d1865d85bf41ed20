package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string        `json:"state"`
	Benches          []BenchStatus `json:"benches"`
	DeviceCount      int           `json:"device_count"`
	ConnectedDevices int           `json:"connected_devices"`
}

type BenchStatus struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	ActiveProtocol   string `json:"active_protocol,omitempty"`
	DeviceCount      int    `json:"device_count"`
	ConnectedDevices int    `json:"connected_devices"`
}

type LifecycleManager interface {
	Config() *config.Config
	// Storage is nil when the snapshot database is disabled.
	Storage() *storage.PostgresClient
	Benches() []string
	Bench(name string) (*controller.Controller, bool)
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}

package interfaces

import (
	"github.com/opensupply/OpenSupplyCore/internal/config"
	"github.com/opensupply/OpenSupplyCore/internal/profiles"
	"github.com/opensupply/OpenSupplyCore/internal/sequence"
	"github.com/opensupply/OpenSupplyCore/internal/storage"
	"github.com/opensupply/OpenSupplyCore/internal/supply"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string `json:"state"`
	Supplies        int    `json:"supplies"`
	RunningSupplies int    `json:"running_supplies"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// LifecycleManager is the slice of the system layer the API handlers
// consume. It keeps the rest package out of an import cycle with
// internal/system.
type LifecycleManager interface {
	Config() *config.Config
	Storage() *storage.PostgresClient
	Profiles() *profiles.Store
	Supplies() *supply.Controller
	SequenceEngine() *sequence.Engine
	GetCurrentStatus() SystemStatus
}

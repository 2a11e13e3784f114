package common

const (
	ComponentSupervisor  = "supervisor"
	ComponentHistorical  = "historical-sync"
	ComponentRealtime    = "realtime-sync"
	ComponentSyncStore   = "sync-store"
	ComponentRPCQueue    = "rpc-queue"
	ComponentMetaStore   = "meta-store"
	ComponentMaintenance = "maintenance"
)

var AllComponents = map[string]struct{}{
	ComponentSupervisor:  {},
	ComponentHistorical:  {},
	ComponentRealtime:    {},
	ComponentSyncStore:   {},
	ComponentRPCQueue:    {},
	ComponentMetaStore:   {},
	ComponentMaintenance: {},
}

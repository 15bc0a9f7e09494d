package types

// CloudWatch metric names and dimension keys.
const (
	MetricSyncRun         = "SyncRun"
	MetricSyncRunDuration = "SyncRunDuration"
	MetricItemsStored     = "SyncItemsStored"
	MetricLoopTick        = "LoopTick"

	DimAPICategory = "ApiCategory"
	DimOutcome     = "Outcome"
	DimLoop        = "Loop"
	DimStatus      = "Status"

	MetricNamespace = "MarketSync"
)

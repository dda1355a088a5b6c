package model

// HealthStatus represents the health state of an open store
type HealthStatus struct {
	Dir       string
	Status    StoreStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// StoreStatus defines the operational status of a store
type StoreStatus string

const (
	StoreStatusHealthy   StoreStatus = "healthy"
	StoreStatusDegraded  StoreStatus = "degraded"
	StoreStatusUnhealthy StoreStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	DiskUsage      float64
	LiveKeys       int64
	DataSegments   int
	StaleDataRatio float64
}

package warning

import "time"

// Severity levels for warnings.
const (
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// Warning categories, matching the control plane's stable code list.
const (
	CategoryConfigSyncFailed      = "CONFIG_SYNC_FAILED"
	CategoryPoolLimit             = "POOL_LIMIT"
	CategoryQueueFull             = "QUEUE_FULL"
	CategoryRouting               = "ROUTING"
	CategoryPipelineMapLeak       = "PIPELINE_MAP_LEAK"
	CategoryConsumerRestart       = "CONSUMER_RESTART"
	CategoryConsumerRestartFailed = "CONSUMER_RESTART_FAILED"
	CategoryShutdownCleanupErrors = "SHUTDOWN_CLEANUP_ERRORS"
)

// Warning represents a system warning or error notification
type Warning struct {
	// ID is the unique warning identifier (UUID)
	ID string `json:"id"`

	// Category is the warning category (e.g., QUEUE_FULL, ROUTING)
	Category string `json:"category"`

	// Severity is the severity level (WARN, CRITICAL)
	Severity string `json:"severity"`

	// Message describes the issue
	Message string `json:"message"`

	// Timestamp is when the warning was created
	Timestamp time.Time `json:"timestamp"`

	// Source is the component that generated the warning
	Source string `json:"source"`

	// Acknowledged indicates if the warning has been acknowledged
	Acknowledged bool `json:"acknowledged"`
}

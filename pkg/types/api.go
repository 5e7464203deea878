package types

// InferRequest is the payload accepted by POST /infer. Callers may submit
// raw token ids, a prompt string, or both; when only a prompt is present the
// server tokenizes it before enqueueing.
type InferRequest struct {
	// Token ids of the input sequence. Drives length bucketing.
	// example: [1,15043,3186]
	Tokens []int `json:"tokens,omitempty"`
	// Prompt text; tokenized server-side when Tokens is empty.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
}

// InferResponse is returned by POST /infer once the request's batch resolves.
type InferResponse struct {
	// Opaque id assigned to the request at enqueue time.
	// example: 9f9d5b8c-1f5e-4a9b-a9a1-2f3e4d5c6b7a
	RequestID string `json:"request_id"`
	// Bucket the request was scheduled under.
	// example: 4096
	Bucket int `json:"bucket" example:"4096"`
	// Generated output for the sequence.
	Output string `json:"output"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: batch backlog limit reached
	Error string `json:"error" example:"batch backlog limit reached"`
	// HTTP status code.
	// example: 429
	Code int `json:"code" example:"429"`
}

// DeviceStatus summarizes one device for GET /status.
type DeviceStatus struct {
	// Device index.
	// example: 0
	DeviceID int `json:"device_id" example:"0"`
	// Current usage percentage.
	// example: 37.5
	UsagePercent float64 `json:"usage_percent" example:"37.5"`
	// Alert level derived from usage: normal, warning, critical or emergency.
	// example: normal
	AlertLevel string `json:"alert_level" example:"normal"`
	// Free memory in bytes.
	FreeBytes uint64 `json:"free_bytes"`
	// Total memory in bytes.
	TotalBytes uint64 `json:"total_bytes"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Per-device pressure summary.
	Devices []DeviceStatus `json:"devices"`
	// Name of the active memory profile, if any.
	// example: llama2-7b
	ActiveProfile string `json:"active_profile,omitempty" example:"llama2-7b"`
	// Whether the monitor is running its poll loop.
	// example: true
	Monitoring bool `json:"monitoring" example:"true"`
	// Whether the monitor has permanently fallen back to synthetic stats.
	SyntheticFallback bool `json:"synthetic_fallback,omitempty"`
	// Alert thresholds in percent, keyed by level name.
	Thresholds map[string]float64 `json:"thresholds"`
	// Pending batcher requests across all buckets.
	// example: 12
	QueueDepth int `json:"queue_depth" example:"12"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ProjectionResponse is returned by GET /devices/{id}/projection.
type ProjectionResponse struct {
	// Device index.
	DeviceID int `json:"device_id"`
	// Projection horizon in seconds.
	// example: 60
	HorizonSeconds float64 `json:"horizon_seconds" example:"60"`
	// Projected usage percentage at the horizon.
	// example: 91.2
	ProjectedPercent float64 `json:"projected_percent" example:"91.2"`
}

// BatchEstimateResponse is returned by GET /devices/{id}/batch-estimate.
type BatchEstimateResponse struct {
	// Device index.
	DeviceID int `json:"device_id"`
	// Tokens per sequence used for the estimate.
	// example: 1024
	TokenCount int `json:"token_count" example:"1024"`
	// Largest batch size the active profile deems safe.
	// example: 18
	MaxBatchSize int `json:"max_batch_size" example:"18"`
}

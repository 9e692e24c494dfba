package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ResidentStatus summarizes one resident model for /status.
type ResidentStatus struct {
	// Model reference in name:tag form.
	// example: llama3:latest
	Model string `json:"model" example:"llama3:latest"`
	// Time the backend handle finished loading (unix seconds).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Last time a request acquired this model (unix seconds).
	// example: 1700000100
	LastAcquired int64 `json:"last_acquired_unix" example:"1700000100"`
	// Requests currently holding the model.
	// example: 1
	ActiveSessions int `json:"active_sessions" example:"1"`
	// Requests waiting for an execution slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Requests currently generating.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Estimated memory footprint in MB (weight file size).
	// example: 4445
	EstMB int `json:"est_mb" example:"4445"`
}

// SystemStatus reports host resources relevant to model placement.
type SystemStatus struct {
	// example: cuda
	Accelerator string `json:"accelerator" example:"cuda"`
	// example: 8
	Threads int `json:"threads" example:"8"`
	// example: 32768
	TotalMemoryMB uint64 `json:"total_memory_mb" example:"32768"`
	// example: 20480
	AvailableMemoryMB uint64 `json:"available_memory_mb" example:"20480"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Resident models, most recently acquired first.
	Resident []ResidentStatus `json:"resident"`
	// Configured soft capacity.
	// example: 3
	MaxResident int `json:"max_resident" example:"3"`
	// Loads currently in flight.
	// example: 0
	Loading int `json:"loading" example:"0"`
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// example: 1
	LoadFailuresTotal uint64 `json:"load_failures_total" example:"1"`
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Sessions with stored conversation context.
	// example: 2
	Sessions int `json:"sessions" example:"2"`
	// Overall state (idle, loading, ready).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last load error observed, if any.
	LastError string `json:"last_error,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	System SystemStatus `json:"system"`
}

// PreloadRequest asks the server to make a model resident in the background.
type PreloadRequest struct {
	Model string `json:"model" example:"llama3:latest"`
}

// PreloadResponse acknowledges a background load.
type PreloadResponse struct {
	Model     string `json:"model" example:"llama3:latest"`
	Operation string `json:"operation" example:"5f0c6a52-8f2e-4d8b-9a3e-0b8f2c1d7e11"`
}

// UnloadRequest asks the server to release a resident model.
type UnloadRequest struct {
	// example: llama3:latest
	Model string `json:"model" example:"llama3:latest"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// example: 0.1.0
	Version string `json:"version" example:"0.1.0"`
}

package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Pools   int    `json:"pools" example:"2" doc:"Number of defined pools"`
	Running int    `json:"running" example:"2" doc:"Number of streaming sessions"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Pool models
type PoolStatsData struct {
	State         string `json:"state" example:"streaming" doc:"Pool lifecycle state"`
	Mode          string `json:"mode" example:"mmap" doc:"Memory mode"`
	Buffers       int    `json:"buffers" example:"6" doc:"Allocated buffers"`
	Free          int    `json:"free" example:"0" doc:"Buffers on the free list"`
	Queued        int    `json:"queued" example:"5" doc:"Buffers owned by the device"`
	Outstanding   int    `json:"outstanding" example:"1" doc:"Buffers held by the application"`
	MinBuffers    int    `json:"min_buffers" example:"4" doc:"Configured minimum"`
	MaxBuffers    int    `json:"max_buffers" example:"32" doc:"Configured maximum, 0 for unbounded"`
	CopyThreshold int    `json:"copy_threshold" example:"2" doc:"Queue depth below which frames are copied"`
	Orphaned      bool   `json:"orphaned" example:"false" doc:"Whether the device was let go"`
	Copies        uint64 `json:"copies" example:"0" doc:"Frames copied out"`
	Resurrections uint64 `json:"resurrections" example:"0" doc:"Buffers re-queued from released memory"`
	DequeueErrors uint64 `json:"dequeue_errors" example:"0" doc:"Failed dequeues"`
	QueueErrors   uint64 `json:"queue_errors" example:"0" doc:"Failed queues"`
	Truncated     uint64 `json:"truncated" example:"0" doc:"Raw frames shorter than the format size"`
}

type PoolData struct {
	ID               string         `json:"id" example:"cam0" doc:"Pool identifier"`
	Device           string         `json:"device" example:"/dev/video0" doc:"Device path"`
	Direction        string         `json:"direction" example:"capture" doc:"Queue direction"`
	Memory           string         `json:"memory" example:"mmap" doc:"Configured memory mode"`
	State            string         `json:"state" example:"running" doc:"Session state"`
	Error            string         `json:"error,omitempty" doc:"Last session error"`
	StartedAt        *time.Time     `json:"started_at,omitempty" doc:"When the session was started"`
	RestartCount     int            `json:"restart_count" example:"0" doc:"Number of restarts"`
	Frames           uint64         `json:"frames" example:"1200" doc:"Frames delivered"`
	Bytes            uint64         `json:"bytes" example:"4915200" doc:"Bytes delivered"`
	Dropped          uint64         `json:"dropped" example:"0" doc:"Corrupted frames dropped"`
	Reconfigurations uint64         `json:"reconfigurations" example:"0" doc:"Pool rebuilds after resolution changes"`
	Stats            *PoolStatsData `json:"stats,omitempty" doc:"Buffer pool statistics"`
}

type PoolListData struct {
	Pools []PoolData `json:"pools" doc:"Defined pools"`
	Count int        `json:"count" example:"2" doc:"Number of pools"`
}

type PoolListResponse struct {
	Body PoolListData
}

type PoolResponse struct {
	Body PoolData
}

type PoolIDInput struct {
	PoolID string `path:"pool_id" example:"cam0" doc:"Pool identifier"`
}

// Log models
type LogEntryData struct {
	Timestamp  string         `json:"timestamp" example:"2025-01-27T10:30:00.123Z" doc:"Record time"`
	Level      string         `json:"level" example:"INFO" doc:"Log level"`
	Module     string         `json:"module,omitempty" example:"session" doc:"Logging module"`
	Message    string         `json:"message" example:"Pool started" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Recent log entries, oldest first"`
	Count   int            `json:"count" example:"100" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelData struct {
	Module string `json:"module" example:"bufferpool" doc:"Logging module"`
	Level  string `json:"level" example:"debug" enum:"debug,info,warn,error" doc:"New level"`
}

type LogLevelRequest struct {
	Body LogLevelData
}

type LogLevelResponse struct {
	Body LogLevelData
}

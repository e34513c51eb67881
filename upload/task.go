package upload

import (
	"time"
)

// Status is the lifecycle state of an upload task.
type Status string

// Task lifecycle states. StatusStop is the paused state. StatusCompleted
// and StatusCancelled are terminal for a task instance; a retry from
// StatusFailed restarts the full lifecycle.
const (
	StatusPending   Status = "PENDING"
	StatusHashing   Status = "HASHING"
	StatusUploading Status = "UPLOADING"
	StatusStop      Status = "STOP"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Task is a point-in-time snapshot of one upload. Values handed out by the
// Manager are copies; mutating them has no effect on the live task.
type Task struct {
	ID                string
	FilePath          string
	FileName          string
	FileSize          int64
	FileSizeFormatted string
	ChunkSize         int64
	TotalChunks       int64

	Status   Status
	FileHash string
	UploadID string
	// UploadedChunks holds 0-based indices confirmed by the server.
	UploadedChunks []int64
	UploadedBytes  int64
	Progress       int
	HashProgress   int
	// Speed is the most recent transfer rate in bytes per second.
	Speed float64
	// RemainingTime is zero when the transfer rate is unknown.
	RemainingTime time.Duration
	Err           string
	StartedAt     time.Time
}

// RejectedFile describes a file AddFiles refused to queue. Other files in
// the same batch still proceed.
type RejectedFile struct {
	Path   string
	Reason string
}

// taskState is the live, mutexed record behind a Task snapshot. gen is the
// run generation: every StartUpload, pause, cancel or removal mints a new
// one, and updates carrying a stale generation are discarded.
type taskState struct {
	Task
	gen uint64
}

func (t *taskState) snapshot() Task {
	s := t.Task
	s.UploadedChunks = append([]int64(nil), t.UploadedChunks...)
	return s
}

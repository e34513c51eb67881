// Package upload drives chunked, resumable file uploads: content hashing,
// session negotiation, sequential chunk transmission, and the
// pause/resume/cancel/retry lifecycle around them.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/wzh-devin/go-chunkupload/upload/chunkplan"
	"github.com/wzh-devin/go-chunkupload/upload/network"
	"github.com/wzh-devin/go-chunkupload/upload/session"
)

// Config controls Manager behavior. Zero values fall back to defaults.
type Config struct {
	// MaxFileSize rejects files at AddFiles time. Default: 500 MiB.
	MaxFileSize int64
	// HashWindowSize is the read window used while hashing. Default: 10 MiB.
	HashWindowSize int64
	// OnComplete, if set, is invoked after a task finishes, including
	// instant (deduplicated) completions.
	OnComplete func(Task)
}

// DefaultConfig returns the default Manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:    500 * units.MiB,
		HashWindowSize: 10 * units.MiB,
	}
}

// Manager owns the task queue and drives each task through its lifecycle.
// Multiple tasks may hash and upload concurrently; within one task, chunks
// are always transmitted sequentially in ascending index order.
type Manager struct {
	transport network.Transport
	sessions  *session.Store
	logger    log.Logger
	config    Config

	mu      sync.Mutex
	tasks   map[string]*taskState
	order   []string
	active  map[string]struct{}
	cancels map[string]context.CancelFunc
	subs    map[int]chan Task
	nextSub int
}

// New creates a Manager using the given transport and session store.
func New(transport network.Transport, sessions *session.Store, logger log.Logger, config Config) *Manager {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 500 * units.MiB
	}
	if config.HashWindowSize <= 0 {
		config.HashWindowSize = 10 * units.MiB
	}

	return &Manager{
		transport: transport,
		sessions:  sessions,
		logger:    logger,
		config:    config,
		tasks:     map[string]*taskState{},
		active:    map[string]struct{}{},
		cancels:   map[string]context.CancelFunc{},
		subs:      map[int]chan Task{},
	}
}

// AddFiles queues the given local files as pending tasks. Oversized,
// unreadable, or invalidly chunkable files are rejected individually; the
// rest of the batch still proceeds.
func (m *Manager) AddFiles(paths ...string) ([]Task, []RejectedFile) {
	var added []Task
	var rejected []RejectedFile

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			rejected = append(rejected, RejectedFile{Path: path, Reason: fmt.Sprintf("cannot read file: %s", err)})
			continue
		}
		if info.IsDir() {
			rejected = append(rejected, RejectedFile{Path: path, Reason: "is a directory"})
			continue
		}
		if info.Size() > m.config.MaxFileSize {
			reason := fmt.Sprintf("file %q exceeds the size limit (max %s)", info.Name(), units.BytesSize(float64(m.config.MaxFileSize)))
			m.logger.Warnf(reason)
			rejected = append(rejected, RejectedFile{Path: path, Reason: reason})
			continue
		}

		chunkSize := chunkplan.RecommendedChunkSize(info.Size())
		if err := chunkplan.Validate(info.Size(), chunkSize); err != nil {
			rejected = append(rejected, RejectedFile{Path: path, Reason: err.Error()})
			continue
		}

		state := &taskState{Task: Task{
			ID:                uuid.NewString(),
			FilePath:          path,
			FileName:          info.Name(),
			FileSize:          info.Size(),
			FileSizeFormatted: units.BytesSize(float64(info.Size())),
			ChunkSize:         chunkSize,
			TotalChunks:       chunkplan.ChunkCount(info.Size(), chunkSize),
			Status:            StatusPending,
			UploadedChunks:    []int64{},
		}}

		m.mu.Lock()
		m.tasks[state.ID] = state
		m.order = append(m.order, state.ID)
		snapshot := state.snapshot()
		m.mu.Unlock()

		m.publish(snapshot)
		added = append(added, snapshot)
	}

	return added, rejected
}

// AddGlob expands a doublestar pattern relative to the working directory
// and queues every matching file.
func (m *Manager) AddGlob(pattern string) ([]Task, []RejectedFile, error) {
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(workingDir), pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(workingDir, match))
	}

	added, rejected := m.AddFiles(paths...)
	return added, rejected, nil
}

// StartUpload runs the task until it reaches a terminal or paused state. It
// is a silent no-op when the task is unknown or a run for it is already
// active. Pause, Cancel and Remove issued from other goroutines abort the
// in-flight chunk request.
func (m *Manager) StartUpload(taskID string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, running := m.active[taskID]; running {
		m.mu.Unlock()
		return
	}
	m.active[taskID] = struct{}{}
	state.gen++
	gen := state.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[taskID] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, taskID)
		delete(m.cancels, taskID)
		m.mu.Unlock()
	}()

	if err := m.run(ctx, taskID, gen); err != nil {
		if errors.Is(err, context.Canceled) {
			// pause or cancel already set the task state; not a failure
			return
		}
		m.logger.Errorf("Upload of task %s failed: %s", taskID, err)
		m.update(taskID, gen, func(t *taskState) {
			t.Status = StatusFailed
			t.Err = err.Error()
		})
	}
}

// PauseUpload aborts the task's in-flight run and marks it paused. Session
// state is kept, so a resumed task continues from its last confirmed chunk.
// Pausing an already paused task is a no-op beyond re-setting the status.
func (m *Manager) PauseUpload(taskID string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
	}
	state.gen++
	state.Status = StatusStop
	snapshot := state.snapshot()
	m.mu.Unlock()

	m.publish(snapshot)
}

// ResumeUpload is equivalent to calling StartUpload again: the existing
// hash and session baseline are reused, so nothing already confirmed is
// re-hashed or re-uploaded.
func (m *Manager) ResumeUpload(taskID string) {
	m.StartUpload(taskID)
}

// CancelTask aborts the task and asks the server to drop the session. The
// server call is best effort: local state transitions regardless.
func (m *Manager) CancelTask(taskID string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
	}
	state.gen++
	uploadID := state.UploadID
	fileHash := state.FileHash
	state.Status = StatusCancelled
	state.Err = ""
	snapshot := state.snapshot()
	m.mu.Unlock()

	if uploadID != "" {
		if err := m.transport.Cancel(context.Background(), uploadID); err != nil {
			m.logger.Warnf("Cancel upload %s on server: %s", uploadID, err)
		}
	}
	if fileHash != "" {
		if err := m.sessions.Clear(fileHash); err != nil {
			m.logger.Warnf("Clear session for %s: %s", fileHash, err)
		}
	}

	m.publish(snapshot)
}

// RetryUpload clears the recorded error and runs the task again. A
// preserved hash and session baseline mean retry resumes rather than
// restarting from zero, unless the earlier failure happened while hashing.
func (m *Manager) RetryUpload(taskID string) {
	m.update(taskID, 0, func(t *taskState) {
		t.Status = StatusPending
		t.Progress = 0
		t.Err = ""
	})
	m.StartUpload(taskID)
}

// RemoveTask drops the task regardless of its state, aborting any active
// run and clearing its persisted session. Removal is always permitted.
func (m *Manager) RemoveTask(taskID string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
	}
	state.gen++
	fileHash := state.FileHash
	delete(m.tasks, taskID)
	m.removeFromOrder(taskID)
	m.mu.Unlock()

	if fileHash != "" {
		if err := m.sessions.Clear(fileHash); err != nil {
			m.logger.Warnf("Clear session for %s: %s", fileHash, err)
		}
	}
}

// StartAll runs every pending or paused task, one after another.
func (m *Manager) StartAll() {
	for _, t := range m.Tasks() {
		if t.Status == StatusPending || t.Status == StatusStop {
			m.StartUpload(t.ID)
		}
	}
}

// PauseAll pauses every task that is currently hashing or uploading.
func (m *Manager) PauseAll() {
	for _, t := range m.Tasks() {
		if t.Status == StatusUploading || t.Status == StatusHashing {
			m.PauseUpload(t.ID)
		}
	}
}

// Tasks returns snapshots of all queued tasks in insertion order.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		if state, ok := m.tasks[id]; ok {
			tasks = append(tasks, state.snapshot())
		}
	}
	return tasks
}

// Task returns a snapshot of a single task.
func (m *Manager) Task(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return state.snapshot(), true
}

// update applies fn under the lock and publishes the new snapshot. Updates
// carrying a superseded run generation are discarded; gen 0 always applies.
func (m *Manager) update(taskID string, gen uint64, fn func(*taskState)) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok || (gen != 0 && state.gen != gen) {
		m.mu.Unlock()
		return
	}
	fn(state)
	snapshot := state.snapshot()
	m.mu.Unlock()

	m.publish(snapshot)
}

func (m *Manager) removeFromOrder(taskID string) {
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wzh-devin/go-chunkupload/upload/hashing"
	"github.com/wzh-devin/go-chunkupload/upload/network"
	"github.com/wzh-devin/go-chunkupload/upload/session"
)

// run executes one upload attempt for the task: hash, resolve the session
// baseline, transmit missing chunks in ascending order, complete. A
// context.Canceled return means pause/cancel stopped the run; every other
// error is a failure the caller records on the task.
func (m *Manager) run(ctx context.Context, taskID string, gen uint64) error {
	task, ok := m.Task(taskID)
	if !ok {
		return nil
	}

	fileHash := task.FileHash
	if fileHash == "" {
		m.update(taskID, gen, func(t *taskState) {
			t.Status = StatusHashing
			t.HashProgress = 0
		})
		m.logger.Infof("Hashing %s (%s)", task.FileName, task.FileSizeFormatted)

		var err error
		fileHash, err = hashing.Hash(task.FilePath,
			hashing.WithWindowSize(m.config.HashWindowSize),
			hashing.WithProgress(func(percent int) {
				m.update(taskID, gen, func(t *taskState) {
					t.HashProgress = percent
				})
			}),
		)
		if err != nil {
			return fmt.Errorf("hash file: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.update(taskID, gen, func(t *taskState) {
			t.FileHash = fileHash
		})
	}

	uploadID, baseline, instant, err := m.resolveSession(ctx, task, fileHash)
	if err != nil {
		return err
	}
	if instant {
		m.finish(taskID, gen, fileHash, uploadID, true)
		return nil
	}

	m.update(taskID, gen, func(t *taskState) {
		t.Status = StatusUploading
		t.UploadID = uploadID
		t.UploadedChunks = append([]int64(nil), baseline...)
		t.UploadedBytes = int64(len(baseline)) * t.ChunkSize
		t.Progress = progressPercent(int64(len(baseline)), t.TotalChunks)
		t.StartedAt = time.Now()
	})
	m.persistSession(taskID)

	if err := m.transmitChunks(ctx, task, taskID, gen, uploadID, baseline); err != nil {
		return err
	}

	if err := m.transport.Complete(ctx, uploadID); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("complete upload: %w", err)
	}

	m.finish(taskID, gen, fileHash, uploadID, false)
	return nil
}

// resolveSession determines the upload id and the authoritative baseline of
// already-accepted chunk indices. A stored session is only trusted after the
// server confirms it is still uploading; otherwise it is discarded and a new
// session is initiated. instant reports a dedup hit requiring no transfer.
func (m *Manager) resolveSession(ctx context.Context, task Task, fileHash string) (uploadID string, baseline []int64, instant bool, err error) {
	uploadID = task.UploadID
	baseline = task.UploadedChunks

	stored, found, loadErr := m.sessions.Load(fileHash)
	if loadErr != nil {
		m.logger.Warnf("Load session for %s: %s", fileHash, loadErr)
	}
	if found && stored.UploadID != "" {
		info, statusErr := m.transport.Status(ctx, stored.UploadID)
		switch {
		case errors.Is(statusErr, context.Canceled):
			return "", nil, false, statusErr
		case statusErr != nil:
			// the local record is never authoritative: drop it and re-initiate
			m.logger.Warnf("Stored session for %s is not confirmable, discarding: %s", task.FileName, statusErr)
			_ = m.sessions.Clear(fileHash)
			uploadID = ""
		case info.Status == network.SessionStatusUploading:
			uploadID = info.UploadID
			baseline = info.CompletedChunks
			m.logger.Infof("Resuming %s: server confirms %d/%d chunks", task.FileName, len(baseline), task.TotalChunks)
		}
	}

	if uploadID == "" {
		info, initErr := m.transport.Initiate(ctx, network.InitiateRequest{
			OriginalName: task.FileName,
			FileHash:     fileHash,
			FileSize:     task.FileSize,
			TotalChunks:  task.TotalChunks,
		})
		if initErr != nil {
			if errors.Is(initErr, context.Canceled) {
				return "", nil, false, initErr
			}
			return "", nil, false, fmt.Errorf("initiate upload: %w", initErr)
		}
		if info.Status == network.SessionStatusInstant {
			return info.UploadID, nil, true, nil
		}
		uploadID = info.UploadID
		baseline = info.CompletedChunks
	}

	if baseline == nil {
		baseline = []int64{}
	}
	return uploadID, baseline, false, nil
}

// transmitChunks sends every chunk index not in the baseline, sequentially
// and in ascending order, persisting the session after each success so a
// crash loses at most one chunk of progress.
func (m *Manager) transmitChunks(ctx context.Context, task Task, taskID string, gen uint64, uploadID string, baseline []int64) error {
	file, err := os.Open(task.FilePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	done := make(map[int64]struct{}, len(baseline))
	for _, index := range baseline {
		done[index] = struct{}{}
	}

	completed := append([]int64(nil), baseline...)
	lastUpdate := time.Now()
	lastBytes := int64(len(completed)) * task.ChunkSize

	for index := int64(0); index < task.TotalChunks; index++ {
		if _, ok := done[index]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := index * task.ChunkSize
		size := task.ChunkSize
		if start+size > task.FileSize {
			size = task.FileSize - start
		}

		data, err := io.ReadAll(io.NewSectionReader(file, start, size))
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", index+1, err)
		}

		// chunk indices are 1-based on the wire
		if err := m.transport.UploadChunk(ctx, uploadID, index+1, data); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("chunk %d upload failed: %w", index+1, err)
		}

		completed = append(completed, index)
		uploadedBytes := int64(len(completed)) * task.ChunkSize
		now := time.Now()
		elapsed := now.Sub(lastUpdate).Seconds()
		var speed float64
		if elapsed > 0 {
			speed = float64(uploadedBytes-lastBytes) / elapsed
		}
		var remaining time.Duration
		if speed > 0 {
			remaining = time.Duration(float64(task.FileSize-uploadedBytes) / speed * float64(time.Second))
		}

		m.update(taskID, gen, func(t *taskState) {
			t.UploadedChunks = append([]int64(nil), completed...)
			t.UploadedBytes = uploadedBytes
			t.Progress = progressPercent(int64(len(completed)), t.TotalChunks)
			t.Speed = speed
			t.RemainingTime = remaining
		})
		m.persistSession(taskID)

		lastUpdate = now
		lastBytes = uploadedBytes
		m.logger.Debugf("Uploaded chunk %d/%d of %s", index+1, task.TotalChunks, task.FileName)
	}

	return nil
}

// persistSession saves the task's current chunk baseline keyed by its hash.
func (m *Manager) persistSession(taskID string) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok || state.UploadID == "" || state.FileHash == "" {
		m.mu.Unlock()
		return
	}
	rec := session.Record{
		UploadID:       state.UploadID,
		FileHash:       state.FileHash,
		FileName:       state.FileName,
		FileSize:       state.FileSize,
		TotalChunks:    state.TotalChunks,
		ChunkSize:      state.ChunkSize,
		UploadedChunks: append([]int64(nil), state.UploadedChunks...),
	}
	m.mu.Unlock()

	if err := m.sessions.Save(rec); err != nil {
		m.logger.Warnf("Persist session for %s: %s", rec.FileName, err)
	}
}

// finish marks the task completed, clears its persisted session, notifies
// the completion callback, and removes the task from the queue. instant
// indicates a dedup hit where no bytes were transmitted.
func (m *Manager) finish(taskID string, gen uint64, fileHash, uploadID string, instant bool) {
	m.mu.Lock()
	state, ok := m.tasks[taskID]
	if !ok || state.gen != gen {
		m.mu.Unlock()
		return
	}
	state.Status = StatusCompleted
	state.UploadID = uploadID
	state.Progress = 100
	snapshot := state.snapshot()
	delete(m.tasks, taskID)
	m.removeFromOrder(taskID)
	m.mu.Unlock()

	if err := m.sessions.Clear(fileHash); err != nil {
		m.logger.Warnf("Clear session for %s: %s", fileHash, err)
	}
	if instant {
		m.logger.Donef("%s stored instantly, content already on the server", snapshot.FileName)
	} else {
		m.logger.Donef("%s uploaded", snapshot.FileName)
	}

	m.publish(snapshot)
	if m.config.OnComplete != nil {
		m.config.OnComplete(snapshot)
	}
}

// progressPercent is round(completed / total * 100).
func progressPercent(completed, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(float64(completed)/float64(total)*100 + 0.5)
}

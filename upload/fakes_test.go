package upload

import (
	"context"
	"sync"

	"github.com/wzh-devin/go-chunkupload/upload/network"
	"github.com/wzh-devin/go-chunkupload/upload/session"
)

// fakeTransport scripts the five protocol operations and records every call.
// Unset functions succeed with reasonable defaults.
type fakeTransport struct {
	mu sync.Mutex

	initiateFn func(network.InitiateRequest) (network.SessionInfo, error)
	statusFn   func(string) (network.SessionInfo, error)
	chunkFn    func(ctx context.Context, uploadID string, chunkIndex int64, data []byte) error
	completeFn func(string) error
	cancelFn   func(string) error

	initiateCalls []network.InitiateRequest
	statusCalls   []string
	chunkCalls    []int64
	chunkSizes    []int
	completeCalls []string
	cancelCalls   []string
}

func (f *fakeTransport) Initiate(ctx context.Context, req network.InitiateRequest) (network.SessionInfo, error) {
	f.mu.Lock()
	f.initiateCalls = append(f.initiateCalls, req)
	fn := f.initiateFn
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return network.SessionInfo{UploadID: "upload-1", Status: network.SessionStatusUploading}, nil
}

func (f *fakeTransport) Status(ctx context.Context, uploadID string) (network.SessionInfo, error) {
	f.mu.Lock()
	f.statusCalls = append(f.statusCalls, uploadID)
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(uploadID)
	}
	return network.SessionInfo{UploadID: uploadID, Status: network.SessionStatusUploading}, nil
}

func (f *fakeTransport) UploadChunk(ctx context.Context, uploadID string, chunkIndex int64, data []byte) error {
	f.mu.Lock()
	f.chunkCalls = append(f.chunkCalls, chunkIndex)
	f.chunkSizes = append(f.chunkSizes, len(data))
	fn := f.chunkFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, uploadID, chunkIndex, data)
	}
	return nil
}

func (f *fakeTransport) Complete(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	f.completeCalls = append(f.completeCalls, uploadID)
	fn := f.completeFn
	f.mu.Unlock()

	if fn != nil {
		return fn(uploadID)
	}
	return nil
}

func (f *fakeTransport) Cancel(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	f.cancelCalls = append(f.cancelCalls, uploadID)
	fn := f.cancelFn
	f.mu.Unlock()

	if fn != nil {
		return fn(uploadID)
	}
	return nil
}

func (f *fakeTransport) setChunkFn(fn func(ctx context.Context, uploadID string, chunkIndex int64, data []byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkFn = fn
}

func (f *fakeTransport) sentChunks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.chunkCalls...)
}

func (f *fakeTransport) sentChunkSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.chunkSizes...)
}

func (f *fakeTransport) initiated() []network.InitiateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.InitiateRequest(nil), f.initiateCalls...)
}

func (f *fakeTransport) completed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completeCalls...)
}

func (f *fakeTransport) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

// memKV is an in-memory session.KV for tests.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (k *memKV) Get(key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	value, ok := k.data[key]
	if !ok {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (k *memKV) Set(key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) Remove(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *memKV) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data)
}

package network

import "context"

// Transport is the boundary to the upload-session HTTP service. All
// operations honor context cancellation; UploadChunk additionally aborts an
// in-flight request when the context is cancelled.
type Transport interface {
	Initiate(ctx context.Context, req InitiateRequest) (SessionInfo, error)
	Status(ctx context.Context, uploadID string) (SessionInfo, error)
	UploadChunk(ctx context.Context, uploadID string, chunkIndex int64, data []byte) error
	Complete(ctx context.Context, uploadID string) error
	Cancel(ctx context.Context, uploadID string) error
}

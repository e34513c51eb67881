// Package network implements the client side of the chunked upload
// protocol: initiate, status, chunk, complete and cancel over a shared
// response envelope.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Session status values reported by the server.
const (
	// SessionStatusUploading means the session is open and accepting chunks.
	SessionStatusUploading = "UPLOADING"
	// SessionStatusInstant means the server already holds the full content
	// for this hash and no bytes need to be transmitted. This is the wire
	// sentinel for instant completion.
	SessionStatusInstant = "INSTANT"
	// SessionStatusFinished means the session has been completed and merged.
	SessionStatusFinished = "FINISHED"
	// SessionStatusFailed means the session is unusable and must be re-initiated.
	SessionStatusFailed = "FAILED"
)

// InitiateRequest opens or resumes an upload session for a content hash.
type InitiateRequest struct {
	OriginalName string `json:"originalName"`
	FileHash     string `json:"fileHash"`
	FileSize     int64  `json:"fileSize"`
	TotalChunks  int64  `json:"totalChunks"`
}

// SessionInfo is the server's view of an upload session. CompletedChunks
// holds 0-based indices already accepted by the server.
type SessionInfo struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	// The JSON name matches the server contract.
	CompletedChunks []int64 `json:"competedChunks"`
}

// apiResponse is the envelope every endpoint responds with.
type apiResponse struct {
	Success bool            `json:"success"`
	ErrCode string          `json:"errCode"`
	ErrMsg  string          `json:"errMsg"`
	Data    json.RawMessage `json:"data"`
}

// APIClient talks to the upload endpoints. Envelope calls go through a
// retrying client; chunk bodies use a tuned plain client so the caller's
// context can abort a transfer immediately.
type APIClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient creates a client for the service at baseURL. accessToken may
// be empty when the service does not require authentication.
func NewAPIClient(baseURL, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  retryhttp.NewClient(logger),
		chunkClient: defaultChunkClient(),
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func defaultChunkClient() *http.Client {
	return &http.Client{
		// Chunk requests are bounded by the caller's context, not a client timeout.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Initiate opens (or resumes) an upload session. A response status of
// SessionStatusInstant means the content is already fully stored.
func (c *APIClient) Initiate(ctx context.Context, reqBody InitiateRequest) (SessionInfo, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return SessionInfo{}, err
	}

	var info SessionInfo
	if err := c.postEnvelope(ctx, "/api/v1/file/upload/initiate", nil, body, "application/json", "initiate upload", &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// Status fetches the server-confirmed state of a session. The returned
// chunk list is the authoritative baseline for resumption.
func (c *APIClient) Status(ctx context.Context, uploadID string) (SessionInfo, error) {
	query := url.Values{"uploadId": []string{uploadID}}

	var info SessionInfo
	if err := c.postEnvelope(ctx, "/api/v1/file/upload/status", query, nil, "", "get upload status", &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// UploadChunk transmits one chunk as a multipart form. chunkIndex is 1-based
// on the wire. The request is aborted as soon as ctx is cancelled.
func (c *APIClient) UploadChunk(ctx context.Context, uploadID string, chunkIndex int64, data []byte) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("uploadId", uploadID); err != nil {
		return err
	}
	if err := form.WriteField("chunkIndex", strconv.FormatInt(chunkIndex, 10)); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", fmt.Sprintf("chunk-%d", chunkIndex))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/file/upload/chunk", &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.ContentLength = int64(buf.Len())

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	return decodeEnvelope(resp.Body, "upload chunk", nil)
}

// Complete asks the server to assemble the uploaded chunks.
func (c *APIClient) Complete(ctx context.Context, uploadID string) error {
	query := url.Values{"uploadId": []string{uploadID}}
	return c.postEnvelope(ctx, "/api/v1/file/upload/complete", query, nil, "", "complete upload", nil)
}

// Cancel tells the server to drop the session and its stored chunks.
func (c *APIClient) Cancel(ctx context.Context, uploadID string) error {
	query := url.Values{"uploadId": []string{uploadID}}
	return c.postEnvelope(ctx, "/api/v1/file/upload/cancel", query, nil, "", "cancel upload", nil)
}

func (c *APIClient) postEnvelope(ctx context.Context, path string, query url.Values, body []byte, contentType, opName string, out interface{}) error {
	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, rawBody)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	return decodeEnvelope(resp.Body, opName, out)
}

// decodeEnvelope unpacks the shared response envelope. A success:false
// response is an error carrying the server's message, with a per-operation
// fallback when the server sent none.
func decodeEnvelope(r io.Reader, opName string, out interface{}) error {
	var envelope apiResponse
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		msg := envelope.ErrMsg
		if msg == "" {
			msg = opName + " failed"
		}
		return fmt.Errorf("%s", msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUpload wraps every failure of an upload attempt.
var ErrUpload = errors.New("upload failed")

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Uploader hands encoded recordings to a transcription service.
type Uploader interface {
	Upload(ctx context.Context, req *UploadRequest) (*Handle, error)
}

// Client provides HTTP client functionality for transcription uploads
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	bytesSent       uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	UserAgent     string
}

// UploadRequest describes one encoded recording to upload
type UploadRequest struct {
	RecordingID string
	Filename    string // defaults to <RecordingID>.wav
	MimeType    string // defaults to audio/wav
	Data        []byte
	SampleRate  int
	Duration    time.Duration
	Language    string
	CreatedAt   time.Time
}

// Handle is what the transcription service returns for an accepted upload.
type Handle struct {
	ID         string        `json:"id"`
	Status     string        `json:"status,omitempty"`
	Text       string        `json:"text,omitempty"`
	Language   string        `json:"language,omitempty"`
	Duration   float64       `json:"duration,omitempty"`
	RequestID  string        `json:"request_id"`
	StatusCode int           `json:"-"`
	Elapsed    time.Duration `json:"-"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	BytesSent       uint64        `json:"bytes_sent"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.UserAgent == "" {
		config.UserAgent = "voice-note-capture/1.0"
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "transcription")),
	}, nil
}

// Upload sends one encoded recording. There is exactly one attempt; any
// failure is returned wrapped in ErrUpload.
func (c *Client) Upload(ctx context.Context, req *UploadRequest) (*Handle, error) {
	if req == nil || len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUpload)
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUpload, ctx.Err())
	}

	requestID := uuid.NewString()
	startTime := time.Now()
	c.incrementTotalRequests()

	handle, err := c.doRequest(ctx, req, requestID)
	elapsed := time.Since(startTime)
	if err != nil {
		c.incrementFailedRequests()
		c.logger.Warn("Upload failed",
			slog.String("recording_id", req.RecordingID),
			slog.String("request_id", requestID),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	handle.Elapsed = elapsed
	c.recordSuccess(elapsed, len(req.Data))
	c.logger.Info("Upload accepted",
		slog.String("recording_id", req.RecordingID),
		slog.String("request_id", requestID),
		slog.String("transcription_id", handle.ID),
		slog.Int("bytes", len(req.Data)),
		slog.Duration("elapsed", elapsed))

	return handle, nil
}

// doRequest performs the single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, req *UploadRequest, requestID string) (*Handle, error) {
	body, contentType, err := c.createMultipartRequest(req, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	handle := &Handle{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, handle); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	handle.RequestID = requestID
	handle.StatusCode = resp.StatusCode
	if handle.ID == "" {
		handle.ID = requestID
	}

	return handle, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(req *UploadRequest, requestID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = req.RecordingID + ".wav"
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	// CreateFormFile always sets application/octet-stream.
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	partHeader.Set("Content-Type", mimeType)
	fileWriter, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(req.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"recording_id", req.RecordingID},
		{"request_id", requestID},
		{"sample_rate", strconv.Itoa(req.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", req.Duration.Seconds())},
		{"format", "wav"},
	}
	if !req.CreatedAt.IsZero() {
		fields = append(fields, [2]string{"created_at", req.CreatedAt.UTC().Format(time.RFC3339)})
	}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", req.Language})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) recordSuccess(responseTime time.Duration, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successRequests++
	c.bytesSent += uint64(size)

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		BytesSent:       c.bytesSent,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight uploads to finish.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}

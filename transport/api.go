// Package transport talks to the block upload service: create a block, append to a
// block, assemble the file from block contexts, or upload a small file in one form post.
package transport

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
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the upload endpoint root used when none is configured.
const DefaultBaseURL = "https://up.qiniup.com"

const (
	contentTypeBinary = "application/octet-stream"
	contentTypeText   = "text/plain"
	requestIDHeader   = "X-Reqid"
)

// ClientParams ...
type ClientParams struct {
	BaseURL string
	// RetryMax is the number of transport level retries. 0 surfaces every failure.
	RetryMax int
	// BandwidthLimit caps request body throughput in bytes per second. 0 means unlimited.
	BandwidthLimit int64
	// HTTPClient replaces the underlying client, mostly for tests.
	HTTPClient *http.Client
}

// MakeBlockParams creates a block and writes its first chunk.
type MakeBlockParams struct {
	Token      string
	BlockSize  int64
	Chunk      []byte
	OnProgress ProgressFunc
}

// PutChunkParams appends a chunk to the block identified by Context.
type PutChunkParams struct {
	Token      string
	Context    string
	Offset     int64
	Chunk      []byte
	OnProgress ProgressFunc
}

// MakeFileParams assembles the object from the committed block contexts.
type MakeFileParams struct {
	Token      string
	Key        string
	Size       int64
	Contexts   []string
	OnProgress ProgressFunc
}

// FormParams uploads a whole file in one multipart request.
type FormParams struct {
	Token      string
	Key        string
	FileName   string
	CRC32      uint32
	Data       []byte
	OnProgress ProgressFunc
}

// BlockResult is the service's answer to a block or chunk write.
type BlockResult struct {
	Context   string `json:"ctx"`
	Checksum  string `json:"checksum"`
	CRC32     uint32 `json:"crc32"`
	Offset    int64  `json:"offset"`
	Host      string `json:"host"`
	ExpiredAt int64  `json:"expired_at"`
}

// Result is the service's answer to a completed upload.
type Result struct {
	Hash string          `json:"hash"`
	Key  string          `json:"key"`
	Raw  json.RawMessage `json:"-"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client ...
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     log.Logger
}

// NewClient ...
func NewClient(params ClientParams, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = params.RetryMax
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if params.HTTPClient != nil {
		httpClient.HTTPClient = params.HTTPClient
	}

	baseURL := strings.TrimSuffix(params.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var limiter *rate.Limiter
	if params.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.BandwidthLimit), int(params.BandwidthLimit))
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		limiter:    limiter,
		logger:     logger,
	}
}

// MakeBlock issues POST /mkblk/{blockSize}.
func (c *Client) MakeBlock(ctx context.Context, p MakeBlockParams) (BlockResult, error) {
	path := fmt.Sprintf("/mkblk/%d", p.BlockSize)
	return c.blockRequest(ctx, path, p.Token, p.Chunk, p.OnProgress)
}

// PutChunk issues POST /bput/{ctx}/{offset}.
func (c *Client) PutChunk(ctx context.Context, p PutChunkParams) (BlockResult, error) {
	if p.Context == "" {
		return BlockResult{}, fmt.Errorf("put chunk at offset %d: missing block context", p.Offset)
	}
	path := fmt.Sprintf("/bput/%s/%d", url.PathEscape(p.Context), p.Offset)
	return c.blockRequest(ctx, path, p.Token, p.Chunk, p.OnProgress)
}

// MakeFile issues POST /mkfile/{size}/key/{key} with the comma joined contexts as body.
func (c *Client) MakeFile(ctx context.Context, p MakeFileParams) (Result, error) {
	path := fmt.Sprintf("/mkfile/%d/key/%s", p.Size, url.PathEscape(p.Key))
	body := []byte(strings.Join(p.Contexts, ","))

	respBody, err := c.post(ctx, path, contentTypeText, p.Token, body, p.OnProgress)
	if err != nil {
		return Result{}, err
	}
	return decodeResult(respBody)
}

// UploadForm issues a multipart POST / carrying key, token, crc32 and the file.
func (c *Client) UploadForm(ctx context.Context, p FormParams) (Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"key", p.Key},
		{"token", p.Token},
		{"crc32", strconv.FormatUint(uint64(p.CRC32), 10)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return Result{}, fmt.Errorf("write form field %s: %w", f.name, err)
		}
	}

	fileName := p.FileName
	if fileName == "" {
		fileName = p.Key
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(p.Data); err != nil {
		return Result{}, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close form: %w", err)
	}

	respBody, err := c.post(ctx, "/", w.FormDataContentType(), "", buf.Bytes(), p.OnProgress)
	if err != nil {
		return Result{}, err
	}
	return decodeResult(respBody)
}

func (c *Client) blockRequest(ctx context.Context, path, token string, chunk []byte, onProgress ProgressFunc) (BlockResult, error) {
	respBody, err := c.post(ctx, path, contentTypeBinary, token, chunk, onProgress)
	if err != nil {
		return BlockResult{}, err
	}

	var result BlockResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return BlockResult{}, fmt.Errorf("decode block response: %w", err)
	}
	if result.Context == "" {
		return BlockResult{}, fmt.Errorf("no ctx in block response")
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path, contentType, token string, body []byte, onProgress ProgressFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelError{Err: err}
	}

	url := c.baseURL + path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return newBodyReader(ctx, body, c.limiter, onProgress), nil
	}))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(requestIDHeader, requestID)
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("UpToken %s", token))
	}
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	c.logger.Debugf("POST %s (%s) [%s]", url, units.HumanSize(float64(len(body))), requestID)

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer func(body io.ReadCloser) {
			if err := body.Close(); err != nil {
				c.logger.Warnf("Failed to close response body: %s", err)
			}
		}(resp.Body)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CancelError{Err: ctx.Err()}
		}
		return nil, &NetworkError{Err: err}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CancelError{Err: ctx.Err()}
		}
		return nil, &NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debugf("Response %d for %s [%s]: %s", resp.StatusCode, path, requestID, respBody)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

func unwrapError(statusCode int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &ServiceError{StatusCode: statusCode, Message: errResp.Error}
	}
	return &ServiceError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
}

func decodeResult(body []byte) (Result, error) {
	var result Result
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
	}
	result.Raw = append(json.RawMessage{}, body...)
	return result, nil
}

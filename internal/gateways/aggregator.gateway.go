package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	sendManyPath   = "/messages/v4/send-many"
	listPath       = "/messages/v4/list"
	mediaFilesPath = "/storage/v1/files"

	// acceptedStatusCode is the aggregator's per-recipient acceptance code.
	acceptedStatusCode = "2000"
)

// BatchDispatchError is an aggregator failure for one batch call. Fatal
// errors (4xx: bad signature, malformed payload) are never retried;
// transient ones (network, 5xx) are retried with bounded backoff before
// surfacing.
type BatchDispatchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *BatchDispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch dispatch: %v", e.Err)
	}
	return fmt.Sprintf("batch dispatch: aggregator returned %d: %s", e.StatusCode, e.Body)
}

func (e *BatchDispatchError) Unwrap() error { return e.Err }

// Fatal reports whether retrying the same payload cannot help.
func (e *BatchDispatchError) Fatal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Sender     string // from-number, digits only
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	MaxConns   int
}

// Client is the authenticated aggregator protocol client. One instance is
// shared by the dispatch pipeline, the media resolver and the repair
// tooling.
type Client struct {
	config *Config
	client *fasthttp.Client

	// overridable for tests
	now  func() time.Time
	salt func() string
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("aggregator base url is required")
	}
	if config.APIKey == "" || config.APISecret == "" {
		return nil, errors.New("aggregator api credentials are required")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2 // 3 attempts total
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 500 * time.Millisecond
	}

	client := &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		now:  time.Now,
		salt: newSalt,
	}

	logger.Info("Aggregator client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)

	return client, nil
}

// BatchRequest is one aggregator call covering one recipient chunk.
type BatchRequest struct {
	Type        model.MessageType
	Text        string
	MediaHandle string // required for MMS, empty otherwise
	Recipients  []string
}

// RecipientResult is the aggregator's per-recipient acceptance entry.
type RecipientResult struct {
	Phone      string `json:"to"`
	StatusCode string `json:"statusCode"`
	Status     string `json:"status,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	ErrorMsg   string `json:"errorMessage,omitempty"`
}

// Accepted reports whether the aggregator accepted this recipient.
func (r RecipientResult) Accepted() bool {
	return r.StatusCode == acceptedStatusCode || r.Status == "success"
}

// BatchResult is what one successful batch call produced. GroupID is
// returned even when some recipients were rejected, because the accepted
// ones still need their delivery logged.
type BatchResult struct {
	GroupID      string
	Results      []RecipientResult
	SuccessCount int
	FailCount    int
}

type sendManyMessage struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Text    string `json:"text"`
	Type    string `json:"type"`
	ImageID string `json:"imageId,omitempty"`
}

type sendManyRequest struct {
	Messages        []sendManyMessage `json:"messages"`
	AllowDuplicates bool              `json:"allowDuplicates"`
}

type sendManyResponse struct {
	GroupID string            `json:"groupId"`
	Results []RecipientResult `json:"results"`
}

// SendBatch performs one authenticated send-many call for one chunk.
// Transient failures are retried up to MaxRetries before the error is
// returned; 4xx responses fail immediately.
func (c *Client) SendBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if len(req.Recipients) == 0 {
		return nil, errors.New("empty recipient chunk")
	}

	messages := make([]sendManyMessage, len(req.Recipients))
	for i, to := range req.Recipients {
		messages[i] = sendManyMessage{
			To:      to,
			From:    c.config.Sender,
			Text:    req.Text,
			Type:    string(req.Type),
			ImageID: req.MediaHandle,
		}
	}
	body, err := json.Marshal(sendManyRequest{Messages: messages, AllowDuplicates: false})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "POST", sendManyPath, body)
	if err != nil {
		return nil, err
	}

	var resp sendManyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	result := &BatchResult{
		GroupID: resp.GroupID,
		Results: resp.Results,
	}
	if len(resp.Results) == 0 {
		// Some aggregator deployments omit per-recipient results on full
		// acceptance; count the whole chunk as accepted then.
		result.SuccessCount = len(req.Recipients)
	} else {
		for _, r := range resp.Results {
			if r.Accepted() {
				result.SuccessCount++
			} else {
				result.FailCount++
			}
		}
	}

	logger.Info("Batch sent to aggregator",
		"group_id", result.GroupID,
		"recipients", len(req.Recipients),
		"accepted", result.SuccessCount,
		"rejected", result.FailCount)

	return result, nil
}

type mediaUploadRequest struct {
	File string `json:"file"` // base64 image bytes
	Name string `json:"name"`
	Type string `json:"type"`
}

type mediaUploadResponse struct {
	FileID string `json:"fileId"`
}

// UploadMedia pushes raw image bytes to the aggregator's media store and
// returns the opaque handle used in subsequent dispatch payloads.
func (c *Client) UploadMedia(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty media payload")
	}

	body, err := json.Marshal(mediaUploadRequest{
		File: base64.StdEncoding.EncodeToString(data),
		Name: name,
		Type: "MMS",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "POST", mediaFilesPath, body)
	if err != nil {
		return "", err
	}

	var resp mediaUploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.FileID == "" {
		return "", errors.New("aggregator returned empty media handle")
	}

	logger.Info("Media uploaded to aggregator", "name", name, "handle", resp.FileID, "bytes", len(data))

	return resp.FileID, nil
}

// GroupMessage is one entry of the aggregator's message list, the ground
// truth the repair tooling reconciles against.
type GroupMessage struct {
	GroupID    string `json:"groupId"`
	To         string `json:"to"`
	StatusCode string `json:"statusCode"`
	CreatedAt  string `json:"dateCreated"`
	SentAt     string `json:"dateSent"`
}

type listResponse struct {
	Messages []GroupMessage `json:"messages"`
}

// ListGroupMessages fetches the per-recipient records for one group id.
func (c *Client) ListGroupMessages(ctx context.Context, groupID string) ([]GroupMessage, error) {
	path := fmt.Sprintf("%s?groupId=%s&limit=1000", listPath, groupID)
	respBody, err := c.doWithRetry(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.Messages, nil
}

// GroupSummary is a distinct group id seen in the aggregator's recent
// message list.
type GroupSummary struct {
	GroupID      string
	MessageCount int
	FirstSeen    string
}

// ListRecentGroups returns the distinct group ids the aggregator processed
// in [since, until], in first-seen order. Drift repair uses this to find
// dispatches that never got linked to a local message.
func (c *Client) ListRecentGroups(ctx context.Context, since, until time.Time) ([]GroupSummary, error) {
	path := fmt.Sprintf("%s?startDate=%s&endDate=%s&limit=1000",
		listPath,
		since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339))
	respBody, err := c.doWithRetry(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	index := make(map[string]int)
	var groups []GroupSummary
	for _, m := range resp.Messages {
		if m.GroupID == "" {
			continue
		}
		if i, ok := index[m.GroupID]; ok {
			groups[i].MessageCount++
			continue
		}
		index[m.GroupID] = len(groups)
		groups = append(groups, GroupSummary{
			GroupID:      m.GroupID,
			MessageCount: 1,
			FirstSeen:    m.CreatedAt,
		})
	}
	return groups, nil
}

// doWithRetry performs the request, retrying transient failures. 4xx
// responses return a fatal *BatchDispatchError without retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		respBody, err := c.doRequest(ctx, method, path, body)
		if err == nil {
			return respBody, nil
		}

		var batchErr *BatchDispatchError
		if errors.As(err, &batchErr) && batchErr.Fatal() {
			return nil, err
		}

		logger.Warn("Aggregator request failed, retrying", "error", err, "path", path, "attempt", attempt+1)
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", authHeader(c.config.APIKey, c.config.APISecret, c.now(), c.salt()))

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, &BatchDispatchError{Err: fmt.Errorf("request failed: %w", err)}
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, &BatchDispatchError{StatusCode: statusCode, Body: string(resp.Body())}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}

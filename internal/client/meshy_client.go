package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/assetforge/api/internal/config"
	"github.com/assetforge/api/internal/metrics"
	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/retry"
)

// Remote task status vocabulary reported by the provider
type RemoteStatus string

const (
	RemotePending    RemoteStatus = "PENDING"
	RemoteInProgress RemoteStatus = "IN_PROGRESS"
	RemoteSucceeded  RemoteStatus = "SUCCEEDED"
	RemoteFailed     RemoteStatus = "FAILED"
	RemoteCanceled   RemoteStatus = "CANCELED"
	RemoteExpired    RemoteStatus = "EXPIRED"
)

// TaskAPI defines the operations against the upstream generation provider.
// Implementations are stateless adapters with no knowledge of Job records.
type TaskAPI interface {
	StartTask(ctx context.Context, req *StartTaskRequest) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	DownloadArtifact(ctx context.Context, url string) ([]byte, error)
}

// StartTaskRequest carries everything the client needs to submit one stage
// of a job. Config is the job's opaque submission payload; the client, not
// the caller, interprets it per job type.
type StartTaskRequest struct {
	JobType         model.JobType
	Stage           string
	AssetName       string
	Config          json.RawMessage
	PriorTaskID     string
	PriorOutputURLs []string
}

// TaskStatus is one status snapshot of a remote task. A reported FAILED is a
// normal result here, not an error; errors mean the check itself failed.
type TaskStatus struct {
	TaskID       string
	Status       RemoteStatus
	Progress     int
	ResultURLs   []string
	ErrorMessage string
}

// RequestError is a failed call to the provider: transport failure, non-2xx
// response, or malformed response body.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("meshy API error (%s, status %d): %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("meshy API request failed (%s): %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DownloadError is a failed artifact fetch
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("artifact download failed (status %d): %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("artifact download failed: %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// MeshyClient implements TaskAPI against a Meshy-style task API: one POST
// task-create endpoint, one GET task-status endpoint, bearer API key.
type MeshyClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retryCfg   retry.Config
}

// NewMeshyClient creates a new Meshy API client. Transport-level failures
// (timeouts, connection resets, 5xx) are retried per the pipeline tuning;
// provider-reported task failures are never retried.
func NewMeshyClient(cfg *config.MeshyConfig, pipeline *config.PipelineConfig) *MeshyClient {
	timeout := pipeline.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCfg := retry.Config{
		MaxRetries:     pipeline.MaxRetries,
		InitialBackoff: pipeline.InitialBackoff,
		MaxBackoff:     pipeline.MaxBackoff,
		Multiplier:     pipeline.BackoffMultiplier,
	}
	if retryCfg.InitialBackoff <= 0 || retryCfg.Multiplier <= 0 {
		retryCfg = retry.DefaultConfig()
		retryCfg.MaxRetries = pipeline.MaxRetries
	}
	return &MeshyClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		retryCfg:   retryCfg,
	}
}

// StartTask submits one stage to the provider and returns the new task ID
func (c *MeshyClient) StartTask(ctx context.Context, req *StartTaskRequest) (string, error) {
	body, err := c.buildTaskBody(req)
	if err != nil {
		return "", err
	}

	var result struct {
		Result string `json:"result"`
	}
	if err := c.post(ctx, "start task", "/v1/tasks", body, &result); err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("start_task", "error").Inc()
		return "", err
	}
	if result.Result == "" {
		metrics.UpstreamRequestsTotal.WithLabelValues("start_task", "error").Inc()
		return "", &RequestError{Op: "start task", Err: errors.New("no task id in response")}
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("start_task", "ok").Inc()
	log.Printf("[Meshy API] Task created: %s (%s/%s)", result.Result, req.JobType, req.Stage)
	return result.Result, nil
}

// GetTaskStatus performs a single status check; it never loops
func (c *MeshyClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var resp meshyTaskResponse
	if err := c.get(ctx, "get task status", fmt.Sprintf("/v1/tasks/%s", taskID), &resp); err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("get_status", "error").Inc()
		return nil, err
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("get_status", "ok").Inc()

	status := &TaskStatus{
		TaskID:     taskID,
		Status:     RemoteStatus(resp.Status),
		Progress:   resp.Progress,
		ResultURLs: resp.resultURLs(),
	}
	if resp.TaskError != nil {
		status.ErrorMessage = resp.TaskError.Message
	}
	return status, nil
}

// DownloadArtifact fetches one completed result file
func (c *MeshyClient) DownloadArtifact(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(&DownloadError{URL: url, Err: err})
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("download request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return &DownloadError{URL: url, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.Permanent(&DownloadError{URL: url, StatusCode: resp.StatusCode})
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("download read failed: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("download", "error").Inc()
		if dlErr, ok := err.(*DownloadError); ok {
			return nil, dlErr
		}
		return nil, &DownloadError{URL: url, Err: err}
	}

	metrics.UpstreamRequestsTotal.WithLabelValues("download", "ok").Inc()
	return data, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *MeshyClient) IsConfigured() bool {
	return c.apiKey != ""
}

// buildTaskBody translates the job's opaque config into the provider's wire
// shape for the given job type and stage.
func (c *MeshyClient) buildTaskBody(req *StartTaskRequest) (map[string]interface{}, error) {
	switch req.JobType {
	case model.JobTypeGeneration:
		var cfg struct {
			Prompt   string `json:"prompt"`
			ArtStyle string `json:"artStyle"`
			ImageURL string `json:"imageUrl"`
		}
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return nil, &RequestError{Op: "start task", Err: fmt.Errorf("invalid generation config: %w", err)}
		}
		body := map[string]interface{}{
			"type":   "text-to-3d",
			"mode":   generationMode(req.Stage),
			"prompt": cfg.Prompt,
			"name":   req.AssetName,
		}
		if cfg.ArtStyle != "" {
			body["art_style"] = cfg.ArtStyle
		}
		if cfg.ImageURL != "" {
			body["image_url"] = cfg.ImageURL
		}
		if req.PriorTaskID != "" {
			body["preview_task_id"] = req.PriorTaskID
		}
		return body, nil

	case model.JobTypeRetexture:
		var cfg struct {
			BaseAssetID   string `json:"baseAssetId"`
			BaseModelURL  string `json:"baseModelUrl"`
			StylePrompt   string `json:"stylePrompt"`
			TexturePrompt string `json:"texturePrompt"`
		}
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return nil, &RequestError{Op: "start task", Err: fmt.Errorf("invalid retexture config: %w", err)}
		}
		body := map[string]interface{}{
			"type":         "retexture",
			"style_prompt": cfg.StylePrompt,
			"name":         req.AssetName,
		}
		if cfg.TexturePrompt != "" {
			body["texture_prompt"] = cfg.TexturePrompt
		}
		if cfg.BaseModelURL != "" {
			body["model_url"] = cfg.BaseModelURL
		}
		if cfg.BaseAssetID != "" {
			body["base_asset_id"] = cfg.BaseAssetID
		}
		if req.PriorTaskID != "" {
			body["input_task_id"] = req.PriorTaskID
		}
		return body, nil

	default:
		return nil, &RequestError{Op: "start task", Err: fmt.Errorf("unknown job type %q", req.JobType)}
	}
}

// generationMode maps a stage name to the provider's generation mode. The
// refine mode chains onto the preview task; anything else submits a fresh
// preview-mode generation.
func generationMode(stage string) string {
	if stage == "refine" {
		return "refine"
	}
	return "preview"
}

// meshyTaskResponse is the provider's task document
type meshyTaskResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Progress     int               `json:"progress"`
	ModelURLs    map[string]string `json:"model_urls,omitempty"`
	TextureURLs  []meshyTextureSet `json:"texture_urls,omitempty"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	TaskError    *meshyTaskError   `json:"task_error,omitempty"`
}

type meshyTextureSet struct {
	BaseColor string `json:"base_color,omitempty"`
	Metallic  string `json:"metallic,omitempty"`
	Normal    string `json:"normal,omitempty"`
	Roughness string `json:"roughness,omitempty"`
}

type meshyTaskError struct {
	Message string `json:"message"`
}

// preferred model format order for the primary artifact
var modelFormatOrder = []string{"glb", "fbx", "obj", "usdz", "mtl"}

// resultURLs flattens the task document into an ordered URL list: model
// files first (glb leading), then thumbnail, then texture maps.
func (r *meshyTaskResponse) resultURLs() []string {
	var urls []string
	seen := make(map[string]bool, len(r.ModelURLs))
	for _, format := range modelFormatOrder {
		if u := r.ModelURLs[format]; u != "" {
			urls = append(urls, u)
			seen[format] = true
		}
	}
	var rest []string
	for format, u := range r.ModelURLs {
		if u != "" && !seen[format] {
			rest = append(rest, u)
		}
	}
	sort.Strings(rest)
	urls = append(urls, rest...)

	if r.ThumbnailURL != "" {
		urls = append(urls, r.ThumbnailURL)
	}
	for _, tex := range r.TextureURLs {
		for _, u := range []string{tex.BaseColor, tex.Metallic, tex.Normal, tex.Roughness} {
			if u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// post sends a POST request with JSON body, with transport-level retries
func (c *MeshyClient) post(ctx context.Context, op, endpoint string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}
	return c.withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(&RequestError{Op: op, Err: err})
		}
		return c.doRequest(op, req, result)
	})
}

// get sends a GET request and parses the JSON response, with retries
func (c *MeshyClient) get(ctx context.Context, op, endpoint string, result interface{}) error {
	return c.withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			return retry.Permanent(&RequestError{Op: op, Err: err})
		}
		return c.doRequest(op, req, result)
	})
}

func (c *MeshyClient) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, c.retryCfg, fn)
	if err == nil {
		return nil
	}
	if reqErr, ok := err.(*RequestError); ok {
		return reqErr
	}
	return &RequestError{Op: op, Err: err}
}

// doRequest executes one HTTP attempt and classifies the outcome: 5xx and
// transport failures are retryable, everything else is final.
func (c *MeshyClient) doRequest(op string, req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Meshy API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Meshy API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Meshy API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Meshy API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode >= 500 {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.Permanent(&RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Meshy API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.String(), err)
		return retry.Permanent(&RequestError{Op: op, Err: fmt.Errorf("failed to unmarshal response: %w", err)})
	}

	return nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/assetforge/api/internal/config"
	"github.com/assetforge/api/internal/retry"
)

// CDNClient publishes artifacts to the asset CDN's batch upload endpoint.
// One multipart POST carries the whole batch so a directory is published
// atomically or not at all.
type CDNClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retryCfg   retry.Config
}

// NewCDNClient creates a new CDN upload client
func NewCDNClient(cfg *config.StorageConfig) *CDNClient {
	return &CDNClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		retryCfg:   retry.DefaultConfig(),
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *CDNClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// UploadBatch uploads all files into dir and returns name to public URL
func (c *CDNClient) UploadBatch(ctx context.Context, dir string, files []File) (map[string]string, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	payload, contentType, err := buildMultipartBody(dir, files)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload body: %w", err)
	}

	var uploaded map[string]string
	err = retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-API-Key", c.apiKey)

		log.Printf("[CDN] → POST %s/upload (%d files, dir=%s)", c.baseURL, len(files), dir)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("upload request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read upload response: %w", err)
		}

		log.Printf("[CDN] ← %d POST %s/upload", resp.StatusCode, c.baseURL)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("CDN upload error (status %d): %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.Permanent(fmt.Errorf("CDN upload error (status %d): %s", resp.StatusCode, respBody))
		}

		var result struct {
			Files map[string]string `json:"files"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return retry.Permanent(fmt.Errorf("failed to unmarshal upload response: %w", err))
		}
		uploaded = result.Files
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		if uploaded[f.Name] == "" {
			return nil, fmt.Errorf("CDN did not return a URL for %q", f.Name)
		}
	}
	return uploaded, nil
}

func buildMultipartBody(dir string, files []File) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("directory", dir); err != nil {
		return nil, "", err
	}

	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Name)))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

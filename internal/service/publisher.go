package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/assetforge/api/internal/client"
	"github.com/assetforge/api/internal/metrics"
	"github.com/assetforge/api/internal/model"
)

// PublishError is a failed attempt to move job results into durable storage
type PublishError struct {
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact publish failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("artifact publish failed: %s", e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Err }

// PublishResult describes the published artifact set
type PublishResult struct {
	PrimaryURL string
	FileURLs   map[string]string
}

// Publisher copies a finished job's result files from the provider's
// expiring URLs into durable public storage, together with a metadata
// document describing the asset.
type Publisher struct {
	tasks   client.TaskAPI
	storage client.StorageClient
	baseDir string
}

// NewPublisher creates a publisher writing under baseDir
func NewPublisher(tasks client.TaskAPI, storage client.StorageClient, baseDir string) *Publisher {
	if baseDir == "" {
		baseDir = "assets"
	}
	return &Publisher{tasks: tasks, storage: storage, baseDir: baseDir}
}

// Publish downloads every stage result and uploads the batch under the
// job's asset directory. The job record is not touched; the caller decides
// what a publish failure means for the job.
func (p *Publisher) Publish(ctx context.Context, job *model.Job) (*PublishResult, error) {
	start := time.Now()
	defer func() {
		metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}()

	files, primaryName, err := p.collectFiles(ctx, job)
	if err != nil {
		return nil, err
	}

	meta, err := buildMetadata(job)
	if err != nil {
		return nil, &PublishError{Reason: "failed to build metadata", Err: err}
	}
	files = append(files, client.File{
		Name:        "metadata.json",
		ContentType: "application/json",
		Data:        meta,
	})

	dir := path.Join(p.baseDir, job.AssetID)
	uploaded, err := p.storage.UploadBatch(ctx, dir, files)
	if err != nil {
		return nil, &PublishError{Reason: "upload failed", Err: err}
	}

	log.Printf("[Publisher] Published %d files for job %s to %s", len(files), job.ID, dir)
	return &PublishResult{
		PrimaryURL: uploaded[primaryName],
		FileURLs:   uploaded,
	}, nil
}

// collectFiles downloads every result URL in stage order. The primary file
// is the last stage's model binary, so a refined model wins over its
// preview.
func (p *Publisher) collectFiles(ctx context.Context, job *model.Job) ([]client.File, string, error) {
	var files []client.File
	used := make(map[string]bool)
	primaryName := ""

	for _, stage := range job.Stages {
		urls := job.Results[stage.Name]
		stagePrimary := ""
		for i, rawURL := range urls {
			name := uniqueFileName(rawURL, stage.Name, i, used)
			used[name] = true

			data, err := p.tasks.DownloadArtifact(ctx, rawURL)
			if err != nil {
				return nil, "", &PublishError{Reason: fmt.Sprintf("download of %s failed", name), Err: err}
			}
			files = append(files, client.File{
				Name:        name,
				ContentType: contentTypeFor(name),
				Data:        data,
			})

			if stagePrimary == "" && strings.HasSuffix(name, ".glb") {
				stagePrimary = name
			}
		}
		if stagePrimary != "" {
			primaryName = stagePrimary
		} else if primaryName == "" && len(urls) > 0 {
			primaryName = files[len(files)-len(urls)].Name
		}
	}

	if len(files) == 0 {
		return nil, "", &PublishError{Reason: "job has no result artifacts"}
	}
	return files, primaryName, nil
}

func buildMetadata(job *model.Job) ([]byte, error) {
	stages := make([]string, len(job.Stages))
	for i, stage := range job.Stages {
		stages[i] = stage.Name
	}

	meta := map[string]interface{}{
		"assetId":     job.AssetID,
		"assetName":   job.AssetName,
		"jobId":       job.ID,
		"jobType":     job.Type,
		"stages":      stages,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if job.Type == model.JobTypeRetexture && len(job.Config) > 0 {
		var cfg struct {
			BaseAssetID string `json:"baseAssetId"`
		}
		if err := json.Unmarshal(job.Config, &cfg); err == nil && cfg.BaseAssetID != "" {
			meta["baseAssetId"] = cfg.BaseAssetID
		}
	}
	return json.MarshalIndent(meta, "", "  ")
}

// uniqueFileName derives a storage name from the source URL, prefixing with
// the stage name on collision so preview and refine outputs can coexist.
func uniqueFileName(rawURL, stage string, index int, used map[string]bool) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("artifact-%d", index)
	}
	if !used[name] {
		return name
	}
	prefixed := fmt.Sprintf("%s-%s", stage, name)
	for n := 2; used[prefixed]; n++ {
		prefixed = fmt.Sprintf("%s-%d-%s", stage, n, name)
	}
	return prefixed
}

var contentTypes = map[string]string{
	".glb":  "model/gltf-binary",
	".gltf": "model/gltf+json",
	".usdz": "model/vnd.usdz+zip",
	".obj":  "text/plain",
	".mtl":  "text/plain",
	".fbx":  "application/octet-stream",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".json": "application/json",
}

func contentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

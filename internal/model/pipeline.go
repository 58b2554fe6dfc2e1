package model

import "time"

// GenerateRequest is the submission payload for a 3D generation job
type GenerateRequest struct {
	AssetName string      `json:"assetName" validate:"required,min=1,max=200"`
	Prompt    string      `json:"prompt" validate:"required,min=1,max=2000"`
	ArtStyle  string      `json:"artStyle,omitempty" validate:"omitempty,max=100"`
	ImageURL  string      `json:"imageUrl,omitempty" validate:"omitempty,url"`
	Stages    []string    `json:"stages,omitempty" validate:"omitempty,max=8,dive,min=1,max=64"`
	Priority  JobPriority `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

// RetextureRequest is the submission payload for a material retexture job
type RetextureRequest struct {
	AssetName     string      `json:"assetName" validate:"required,min=1,max=200"`
	BaseAssetID   string      `json:"baseAssetId,omitempty" validate:"omitempty,max=128"`
	BaseModelURL  string      `json:"baseModelUrl,omitempty" validate:"omitempty,url"`
	StylePrompt   string      `json:"stylePrompt" validate:"required,min=1,max=2000"`
	TexturePrompt string      `json:"texturePrompt,omitempty" validate:"omitempty,max=2000"`
	Priority      JobPriority `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

// JobListResponse wraps a user's job listing
type JobListResponse struct {
	Jobs  []*JobSummary `json:"jobs"`
	Total int64         `json:"total"`
}

// CancelResponse confirms a cancellation
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// QueueCounts holds the number of outstanding tasks per priority queue
type QueueCounts struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// QueueStatsResponse is the queue stats payload
type QueueStatsResponse struct {
	Queues    QueueCounts `json:"queues"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}

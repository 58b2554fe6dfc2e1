package model

import (
	"encoding/json"
	"time"
)

// Stage represents one step of a pipeline job. Each stage runs exactly one
// upstream task at a time; starting the next stage (or resubmitting after a
// transport failure) replaces the task association rather than adding a
// second record.
type Stage struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	TaskID     string      `json:"taskId,omitempty"`
	Progress   int         `json:"progress"`
	OutputURLs []string    `json:"outputUrls,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
}

// JobError captures why a job failed
type JobError struct {
	Message string          `json:"message"`
	Stage   string          `json:"stage,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Artifact is the published final output of a completed job
type Artifact struct {
	URL      string            `json:"url"`
	FileURLs map[string]string `json:"fileUrls,omitempty"`
}

// Job represents one generation or retexture request end-to-end
type Job struct {
	ID            string              `json:"jobId"`
	Type          JobType             `json:"type"`
	OwnerID       string              `json:"ownerId"`
	AssetID       string              `json:"assetId"`
	AssetName     string              `json:"assetName"`
	Priority      JobPriority         `json:"priority"`
	Config        json.RawMessage     `json:"config,omitempty"` // opaque, interpreted by the upstream client only
	Status        JobStatus           `json:"status"`
	Progress      int                 `json:"progress"`
	Stages        []Stage             `json:"stages,omitempty"`
	Results       map[string][]string `json:"results,omitempty"` // stage name -> remote result URLs
	Artifact      *Artifact           `json:"artifact,omitempty"`
	Error         *JobError           `json:"error,omitempty"`
	TaskID        string              `json:"taskId,omitempty"` // current upstream task association
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	LastUpdatedAt time.Time           `json:"lastUpdatedAt"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
}

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CurrentStage returns the first stage that has not succeeded yet, or nil
// when every stage is done.
func (j *Job) CurrentStage() *Stage {
	for i := range j.Stages {
		if j.Stages[i].Status != StageStatusSucceeded {
			return &j.Stages[i]
		}
	}
	return nil
}

// FindStage returns the stage with the given name, or nil.
func (j *Job) FindStage(name string) *Stage {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return &j.Stages[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Config != nil {
		cp.Config = append(json.RawMessage(nil), j.Config...)
	}
	if j.Stages != nil {
		cp.Stages = make([]Stage, len(j.Stages))
		for i, st := range j.Stages {
			cp.Stages[i] = st
			if st.OutputURLs != nil {
				cp.Stages[i].OutputURLs = append([]string(nil), st.OutputURLs...)
			}
			cp.Stages[i].StartedAt = copyTime(st.StartedAt)
			cp.Stages[i].EndedAt = copyTime(st.EndedAt)
		}
	}
	if j.Results != nil {
		cp.Results = make(map[string][]string, len(j.Results))
		for k, v := range j.Results {
			cp.Results[k] = append([]string(nil), v...)
		}
	}
	if j.Artifact != nil {
		a := *j.Artifact
		if j.Artifact.FileURLs != nil {
			a.FileURLs = make(map[string]string, len(j.Artifact.FileURLs))
			for k, v := range j.Artifact.FileURLs {
				a.FileURLs[k] = v
			}
		}
		cp.Artifact = &a
	}
	if j.Error != nil {
		e := *j.Error
		if j.Error.Detail != nil {
			e.Detail = append(json.RawMessage(nil), j.Error.Detail...)
		}
		cp.Error = &e
	}
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	cp.ExpiresAt = copyTime(j.ExpiresAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// JobSummary is the API view of a job, without the opaque config or the
// upstream task association.
type JobSummary struct {
	JobID         string              `json:"jobId"`
	Type          JobType             `json:"type"`
	OwnerID       string              `json:"ownerId"`
	AssetID       string              `json:"assetId"`
	AssetName     string              `json:"assetName"`
	Priority      JobPriority         `json:"priority"`
	Status        JobStatus           `json:"status"`
	Progress      int                 `json:"progress"`
	Stages        []Stage             `json:"stages,omitempty"`
	Results       map[string][]string `json:"results,omitempty"`
	Artifact      *Artifact           `json:"artifact,omitempty"`
	Error         *JobError           `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	LastUpdatedAt time.Time           `json:"lastUpdatedAt"`
}

// Summary returns the API view of the job.
func (j *Job) Summary() *JobSummary {
	return &JobSummary{
		JobID:         j.ID,
		Type:          j.Type,
		OwnerID:       j.OwnerID,
		AssetID:       j.AssetID,
		AssetName:     j.AssetName,
		Priority:      j.Priority,
		Status:        j.Status,
		Progress:      j.Progress,
		Stages:        j.Stages,
		Results:       j.Results,
		Artifact:      j.Artifact,
		Error:         j.Error,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		LastUpdatedAt: j.LastUpdatedAt,
	}
}

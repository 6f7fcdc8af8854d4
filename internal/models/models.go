// internal/models/models.go
package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Documents []Document `gorm:"foreignKey:UserID" json:"documents,omitempty"`
}

// Document is an uploaded source PDF. The conversion pipeline never mutates
// it except to flip Processed once pages exist.
type Document struct {
	ID               uint           `gorm:"primarykey" json:"id"`
	UserID           uint           `gorm:"not null;index" json:"user_id"`
	OriginalFilename string         `json:"original_filename"`
	ContentType      string         `json:"content_type"`
	SourcePath       string         `gorm:"not null" json:"source_path"`
	PageCount        int            `gorm:"default:0" json:"page_count"`
	Processed        bool           `gorm:"default:false" json:"processed"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	Pages []DocumentPage  `gorm:"foreignKey:DocumentID" json:"pages,omitempty"`
	Jobs  []ConversionJob `gorm:"foreignKey:DocumentID" json:"jobs,omitempty"`
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// jobTransitions is the closed set of legal status moves. Failed jobs may be
// re-queued for a retry attempt.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobFailed},
	JobProcessing: {JobCompleted, JobFailed},
	JobFailed:     {JobQueued},
	JobCompleted:  {},
}

func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobProcessing
}

// ConversionJob tracks one attempt to rasterize all pages of a document.
type ConversionJob struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	DocumentID     uint           `gorm:"not null;index" json:"document_id"`
	Status         JobStatus      `gorm:"type:varchar(20);default:'queued';index" json:"status"`
	Stage          string         `json:"stage,omitempty"`
	Progress       int            `gorm:"default:0" json:"progress"`
	TotalPages     int            `gorm:"default:0" json:"total_pages"`
	ProcessedPages int            `gorm:"default:0" json:"processed_pages"`
	RetryCount     int            `gorm:"default:0" json:"retry_count"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Document Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
}

// Transition moves the job to a new status, rejecting moves the lifecycle
// does not allow (e.g. completed -> processing).
func (j *ConversionJob) Transition(to JobStatus) error {
	if !j.Status.CanTransitionTo(to) {
		return fmt.Errorf("invalid job transition %s -> %s", j.Status, to)
	}
	now := time.Now()
	switch to {
	case JobProcessing:
		j.StartedAt = &now
	case JobCompleted, JobFailed:
		j.CompletedAt = &now
	case JobQueued:
		// retry: reset per-attempt state
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Progress = 0
		j.ProcessedPages = 0
		j.ErrorMessage = ""
	}
	j.Status = to
	return nil
}

// DocumentPage is one rendered page. (DocumentID, PageNumber) is unique;
// reconversion overwrites rather than duplicating.
type DocumentPage struct {
	ID             uint       `gorm:"primarykey" json:"id"`
	DocumentID     uint       `gorm:"not null;uniqueIndex:idx_doc_page" json:"document_id"`
	PageNumber     int        `gorm:"not null;uniqueIndex:idx_doc_page" json:"page_number"`
	PageURL        string     `gorm:"not null" json:"page_url"`
	FileSize       int64      `json:"file_size"`
	Format         string     `gorm:"type:varchar(10)" json:"format"`
	Quality        int        `json:"quality"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	CacheKey       string     `gorm:"index" json:"cache_key"`
	CacheExpiresAt *time.Time `json:"cache_expires_at,omitempty"`
	CacheHits      int64      `gorm:"default:0" json:"cache_hits"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Version        int        `gorm:"default:1" json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsBlank reports whether the rendered page looks blank, inferred from an
// abnormally small encoded size.
func (p *DocumentPage) IsBlank(minBytes int64) bool {
	return p.FileSize < minBytes
}

func (p *DocumentPage) IsExpired(now time.Time) bool {
	return p.CacheExpiresAt != nil && p.CacheExpiresAt.Before(now)
}

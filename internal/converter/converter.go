// internal/converter/converter.go
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"jstudyroom-back/internal/models"
	"jstudyroom-back/internal/pagestore"
	"jstudyroom-back/internal/retry"
	"jstudyroom-back/internal/storage"
	"jstudyroom-back/pkg/rasterize"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Rasterizer renders a PDF file into encoded page images.
type Rasterizer interface {
	RenderAll(ctx context.Context, pdfPath string) ([]rasterize.Page, error)
	Format() string
	Ext() string
}

// BlobStore is the slice of the object-storage client the converter needs.
type BlobStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	DownloadToFile(ctx context.Context, objectName string, destPath string) error
}

type Options struct {
	Quality           int
	PageCacheTTL      time.Duration
	MaxRetries        int
	ConversionBudget  time.Duration
	UploadParallelism int
	BlankPageMinBytes int64
}

// Service orchestrates one document conversion end to end: claim a job,
// fetch the source, rasterize, upload pages, record metadata.
type Service struct {
	db     *gorm.DB
	pages  *pagestore.Store
	blobs  BlobStore
	raster Rasterizer
	opts   Options
	policy retry.Policy
	log    zerolog.Logger

	mu       sync.Mutex
	docLocks map[uint]*sync.Mutex
}

type Result struct {
	JobID            uint
	PageCount        int
	AlreadyConverted bool
}

func NewService(db *gorm.DB, pages *pagestore.Store, blobs BlobStore, raster Rasterizer, opts Options, log zerolog.Logger) *Service {
	if opts.UploadParallelism < 1 {
		opts.UploadParallelism = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Service{
		db:       db,
		pages:    pages,
		blobs:    blobs,
		raster:   raster,
		opts:     opts,
		policy:   retry.DefaultPolicy(opts.MaxRetries),
		log:      log,
		docLocks: make(map[uint]*sync.Mutex),
	}
}

// docLock returns the per-document mutex. The lock makes concurrent Convert
// calls in one process converge on a single conversion; cross-process races
// fall back to the transactional active-job check in claimJob.
func (s *Service) docLock(documentID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.docLocks[documentID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.docLocks[documentID] = l
	return l
}

// Convert renders every page of the document unless valid pages already
// exist, in which case it is a no-op.
func (s *Service) Convert(ctx context.Context, documentID uint) (*Result, error) {
	return s.convert(ctx, documentID, false)
}

// Reconvert drops existing pages and converts from scratch, ignoring the
// retry budget spent by earlier failed jobs.
func (s *Service) Reconvert(ctx context.Context, documentID uint) (*Result, error) {
	if err := s.pages.Invalidate(ctx, documentID); err != nil {
		return nil, err
	}
	return s.convert(ctx, documentID, true)
}

func (s *Service) convert(ctx context.Context, documentID uint, force bool) (*Result, error) {
	lock := s.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, documentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("document %d: %w", documentID, models.ErrNotFound)
		}
		return nil, err
	}

	// Idempotence: valid pages already exist, nothing to render.
	if !force {
		ok, err := s.pages.HasValidPages(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if ok {
			existing, err := s.pages.ListPages(ctx, documentID)
			if err != nil {
				return nil, err
			}
			return &Result{PageCount: len(existing), AlreadyConverted: true}, nil
		}
	}

	job, err := s.claimJob(ctx, documentID, force)
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, job, models.JobProcessing); err != nil {
		return nil, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.opts.ConversionBudget)
	defer cancel()

	result, err := s.run(budgetCtx, &doc, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && budgetCtx.Err() != nil {
			err = &models.TimeoutError{DocumentID: documentID, Budget: s.opts.ConversionBudget.String()}
		}
		s.markFailed(job, err)
		return nil, err
	}
	return result, nil
}

// claimJob creates or reuses the ConversionJob for this run inside one
// transaction, so two processes checking at once cannot both claim.
func (s *Service) claimJob(ctx context.Context, documentID uint, force bool) (*models.ConversionJob, error) {
	var job *models.ConversionJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active models.ConversionJob
		err := tx.Where("document_id = ? AND status IN ?", documentID,
			[]models.JobStatus{models.JobQueued, models.JobProcessing}).First(&active).Error
		if err == nil {
			return models.ErrStillProcessing
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var last models.ConversionJob
		err = tx.Where("document_id = ?", documentID).Order("id DESC").First(&last).Error
		if err == nil && last.Status == models.JobFailed && !force {
			if last.RetryCount >= s.opts.MaxRetries {
				return &models.ConversionFailedError{
					DocumentID: documentID,
					Attempts:   last.RetryCount,
					Err:        errors.New(last.ErrorMessage),
				}
			}
			last.RetryCount++
			if terr := last.Transition(models.JobQueued); terr != nil {
				return terr
			}
			job = &last
			return tx.Save(&last).Error
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		job = &models.ConversionJob{DocumentID: documentID, Status: models.JobQueued}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// run downloads the source, renders and uploads all pages, and completes the
// job. A blank render triggers exactly one automatic re-render.
func (s *Service) run(ctx context.Context, doc *models.Document, job *models.ConversionJob) (*Result, error) {
	tmp, err := os.CreateTemp("", fmt.Sprintf("jstudyroom-%d-*.pdf", doc.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	s.setStage(job, "download")
	if err := s.blobs.DownloadToFile(ctx, doc.SourcePath, tmpPath); err != nil {
		return nil, fmt.Errorf("failed to download source PDF: %w", err)
	}

	var blank []int
	for attempt := 0; ; attempt++ {
		blank, err = s.renderAndStore(ctx, doc, job, tmpPath)
		if err != nil {
			return nil, err
		}
		if len(blank) == 0 || attempt > 0 {
			break
		}
		s.log.Warn().Uint("document_id", doc.ID).Ints("pages", blank).
			Msg("blank pages detected, re-rendering once")
	}
	if len(blank) > 0 {
		// re-render did not help; the pages stay in place but the document
		// must not be treated as converted
		return nil, fmt.Errorf("pages %v still below %d bytes after re-render: %w",
			blank, s.opts.BlankPageMinBytes, models.ErrBlankPageDetected)
	}

	if err := s.transition(ctx, job, models.JobCompleted); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(doc).Update("processed", true).Error; err != nil {
		return nil, err
	}

	return &Result{JobID: job.ID, PageCount: job.TotalPages}, nil
}

func (s *Service) renderAndStore(ctx context.Context, doc *models.Document, job *models.ConversionJob, pdfPath string) ([]int, error) {
	s.setStage(job, "render")
	pages, renderErr := s.raster.RenderAll(ctx, pdfPath)
	if renderErr != nil && errors.Is(renderErr, rasterize.ErrInvalidFormat) {
		renderErr = fmt.Errorf("%w: %v", models.ErrInvalidFormat, renderErr)
	}
	if renderErr != nil && len(pages) == 0 {
		return nil, renderErr
	}

	job.TotalPages = len(pages)
	job.ProcessedPages = 0
	job.Progress = 0
	if err := s.db.WithContext(ctx).Model(job).
		Updates(map[string]interface{}{"total_pages": len(pages), "processed_pages": 0, "progress": 0, "stage": "upload"}).Error; err != nil {
		return nil, err
	}
	job.Stage = "upload"

	contentType := "image/jpeg"
	if s.raster.Format() == "png" {
		contentType = "image/png"
	}
	expiry := time.Now().Add(s.opts.PageCacheTTL)

	// Pages may finish out of order under parallel upload; ListPages sorts
	// on read, so ordering here does not matter.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.UploadParallelism)
	for i := range pages {
		page := pages[i]
		g.Go(func() error {
			objectName := storage.PageObjectName(doc.UserID, doc.ID, page.Number, s.raster.Ext())

			err := s.policy.Do(gctx, func() error {
				_, uerr := s.blobs.Upload(gctx, objectName, page.Data, contentType)
				if uerr != nil && gctx.Err() != nil {
					// cancelled or out of budget, retrying cannot help
					return retry.Permanent(uerr)
				}
				return uerr
			})
			if err != nil {
				return fmt.Errorf("failed to upload page %d: %w", page.Number, err)
			}

			exp := expiry
			if err := s.pages.UpsertPage(gctx, &models.DocumentPage{
				DocumentID:     doc.ID,
				PageNumber:     page.Number,
				PageURL:        objectName,
				FileSize:       int64(len(page.Data)),
				Format:         page.Format,
				Quality:        s.opts.Quality,
				Width:          page.Width,
				Height:         page.Height,
				CacheKey:       uuid.New().String(),
				CacheExpiresAt: &exp,
			}); err != nil {
				return fmt.Errorf("failed to record page %d: %w", page.Number, err)
			}

			// single SQL increment per page, no read-modify-write
			return s.db.WithContext(gctx).Model(&models.ConversionJob{}).
				Where("id = ?", job.ID).
				Updates(map[string]interface{}{
					"processed_pages": gorm.Expr("processed_pages + 1"),
					"progress":        gorm.Expr("(processed_pages + 1) * 100 / ?", len(pages)),
				}).Error
		})
	}
	uploadErr := g.Wait()

	// A render failure partway through still keeps the pages written above.
	if renderErr != nil {
		return nil, fmt.Errorf("rasterization stopped after %d page(s): %w", len(pages), renderErr)
	}
	if uploadErr != nil {
		return nil, uploadErr
	}

	job.ProcessedPages = len(pages)
	job.Progress = 100

	var blank []int
	for i := range pages {
		if int64(len(pages[i].Data)) < s.opts.BlankPageMinBytes {
			blank = append(blank, pages[i].Number)
		}
	}
	return blank, nil
}

func (s *Service) transition(ctx context.Context, job *models.ConversionJob, to models.JobStatus) error {
	if err := job.Transition(to); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(job).Error
}

func (s *Service) setStage(job *models.ConversionJob, stage string) {
	job.Stage = stage
	s.db.Model(job).Update("stage", stage)
}

// markFailed records a terminal failure. A fresh context is used so the
// write still lands after a budget overrun.
func (s *Service) markFailed(job *models.ConversionJob, cause error) {
	job.ErrorMessage = cause.Error()
	if err := job.Transition(models.JobFailed); err != nil {
		s.log.Error().Err(err).Uint("job_id", job.ID).Msg("failed job in unexpected state")
		return
	}
	if err := s.db.Save(job).Error; err != nil {
		s.log.Error().Err(err).Uint("job_id", job.ID).Msg("could not persist job failure")
	}
	s.log.Error().Err(cause).Uint("document_id", job.DocumentID).Uint("job_id", job.ID).
		Int("retry_count", job.RetryCount).Msg("conversion failed")
}

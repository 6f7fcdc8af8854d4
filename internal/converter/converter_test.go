// internal/converter/converter_test.go
package converter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"jstudyroom-back/internal/models"
	"jstudyroom-back/internal/pagestore"
	"jstudyroom-back/pkg/rasterize"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const blankThreshold = 10240

type fakeRasterizer struct {
	mu      sync.Mutex
	renders int
	render  func(ctx context.Context, attempt int) ([]rasterize.Page, error)
}

func (f *fakeRasterizer) RenderAll(ctx context.Context, pdfPath string) ([]rasterize.Page, error) {
	f.mu.Lock()
	attempt := f.renders
	f.renders++
	f.mu.Unlock()
	return f.render(ctx, attempt)
}

func (f *fakeRasterizer) Format() string { return "jpeg" }
func (f *fakeRasterizer) Ext() string    { return "jpg" }

func (f *fakeRasterizer) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectName] = data
	f.uploads++
	return objectName, nil
}

func (f *fakeBlobs) DownloadToFile(ctx context.Context, objectName string, destPath string) error {
	f.mu.Lock()
	data, ok := f.objects[objectName]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s not found", objectName)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeBlobs) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// pagesOf builds n rendered pages of the given encoded size.
func pagesOf(n int, size int) []rasterize.Page {
	pages := make([]rasterize.Page, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, rasterize.Page{
			Number: i,
			Data:   make([]byte, size),
			Format: "jpeg",
			Width:  1240,
			Height: 1754,
		})
	}
	return pages
}

type testEnv struct {
	db     *gorm.DB
	store  *pagestore.Store
	blobs  *fakeBlobs
	raster *fakeRasterizer
	svc    *Service
	doc    *models.Document
}

func newTestEnv(t *testing.T, raster *fakeRasterizer, opts Options) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // in-memory sqlite: one DB per connection
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Document{}, &models.ConversionJob{}, &models.DocumentPage{}))

	doc := &models.Document{
		UserID:           1,
		OriginalFilename: "algebra.pdf",
		ContentType:      "application/pdf",
		SourcePath:       "1/1/source.pdf",
	}
	require.NoError(t, db.Create(doc).Error)

	blobs := newFakeBlobs()
	blobs.objects[doc.SourcePath] = []byte("%PDF-1.4 source")

	if opts.PageCacheTTL == 0 {
		opts.PageCacheTTL = time.Hour
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.ConversionBudget == 0 {
		opts.ConversionBudget = time.Minute
	}
	if opts.UploadParallelism == 0 {
		opts.UploadParallelism = 2
	}
	if opts.BlankPageMinBytes == 0 {
		opts.BlankPageMinBytes = blankThreshold
	}
	opts.Quality = 85

	store := pagestore.NewStore(db, opts.BlankPageMinBytes)
	svc := NewService(db, store, blobs, raster, opts, zerolog.Nop())

	return &testEnv{db: db, store: store, blobs: blobs, raster: raster, svc: svc, doc: doc}
}

func (e *testEnv) latestJob(t *testing.T) *models.ConversionJob {
	t.Helper()
	var job models.ConversionJob
	require.NoError(t, e.db.Where("document_id = ?", e.doc.ID).Order("id DESC").First(&job).Error)
	return &job
}

func TestConvertThreePagePDF(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return pagesOf(3, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})

	res, err := env.svc.Convert(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PageCount)
	assert.False(t, res.AlreadyConverted)

	pages, err := env.store.ListPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
		assert.Equal(t, int64(50000), p.FileSize)
		assert.Equal(t, "jpeg", p.Format)
		assert.Equal(t, fmt.Sprintf("1/%d/page-%d.jpg", env.doc.ID, i+1), p.PageURL)
	}

	job := env.latestJob(t)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 3, job.TotalPages)
	assert.Equal(t, 3, job.ProcessedPages)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	var doc models.Document
	require.NoError(t, env.db.First(&doc, env.doc.ID).Error)
	assert.True(t, doc.Processed)
}

func TestConvertInvalidFormat(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return nil, fmt.Errorf("%w: bad header", rasterize.ErrInvalidFormat)
	}}
	env := newTestEnv(t, raster, Options{})

	_, err := env.svc.Convert(context.Background(), env.doc.ID)
	require.ErrorIs(t, err, models.ErrInvalidFormat)

	job := env.latestJob(t)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	pages, err := env.store.ListPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.Empty(t, pages, "no page rows for an unparseable PDF")
}

func TestConvertMissingDocument(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return pagesOf(1, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})

	_, err := env.svc.Convert(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConvertIdempotent(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return pagesOf(3, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})
	ctx := context.Background()

	first, err := env.svc.Convert(ctx, env.doc.ID)
	require.NoError(t, err)
	uploadsAfterFirst := env.blobs.uploadCount()

	second, err := env.svc.Convert(ctx, env.doc.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConverted)
	assert.Equal(t, first.PageCount, second.PageCount)
	assert.Equal(t, 1, raster.renderCount(), "no re-rasterization")
	assert.Equal(t, uploadsAfterFirst, env.blobs.uploadCount(), "no extra storage writes")
}

func TestConvertBlankPageReRendersOnce(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		if attempt == 0 {
			// page 2 comes out suspiciously small
			pages := pagesOf(3, 50000)
			pages[1].Data = make([]byte, 4096)
			return pages, nil
		}
		return pagesOf(3, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})

	res, err := env.svc.Convert(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, 2, raster.renderCount(), "exactly one automatic re-render")

	ok, err := env.store.HasValidPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	job := env.latestJob(t)
	assert.Equal(t, models.JobCompleted, job.Status)
}

func TestConvertBlankPagePersists(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		pages := pagesOf(1, 4096)
		return pages, nil
	}}
	env := newTestEnv(t, raster, Options{})

	_, err := env.svc.Convert(context.Background(), env.doc.ID)
	require.ErrorIs(t, err, models.ErrBlankPageDetected)
	assert.Equal(t, 2, raster.renderCount(), "re-render attempted once, then surfaced")

	job := env.latestJob(t)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	pages, err := env.store.ListPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 1, "rendered pages stay in place for inspection")

	ok, err := env.store.HasValidPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.False(t, ok, "document stays flagged until a healthy reconversion")
}

func TestConvertPartialRenderKeepsPages(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return pagesOf(2, 50000), fmt.Errorf("failed to render page 3: damaged stream")
	}}
	env := newTestEnv(t, raster, Options{})

	_, err := env.svc.Convert(context.Background(), env.doc.ID)
	require.Error(t, err)

	pages, err := env.store.ListPages(context.Background(), env.doc.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 2, "successfully rendered pages are kept")

	job := env.latestJob(t)
	assert.Equal(t, models.JobFailed, job.Status)
}

func TestConvertRetryBudget(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return nil, fmt.Errorf("renderer crashed")
	}}
	env := newTestEnv(t, raster, Options{MaxRetries: 2})
	ctx := context.Background()

	_, err := env.svc.Convert(ctx, env.doc.ID)
	require.Error(t, err)

	// first retry reuses the failed job and bumps the count
	_, err = env.svc.Convert(ctx, env.doc.ID)
	require.Error(t, err)
	job := env.latestJob(t)
	assert.Equal(t, 1, job.RetryCount)

	_, err = env.svc.Convert(ctx, env.doc.ID)
	require.Error(t, err)
	job = env.latestJob(t)
	assert.Equal(t, 2, job.RetryCount)

	// budget spent: surfaced as ConversionFailedError without another render
	renders := raster.renderCount()
	_, err = env.svc.Convert(ctx, env.doc.ID)
	var cfe *models.ConversionFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, 2, cfe.Attempts)
	assert.Equal(t, renders, raster.renderCount())
}

func TestReconvertIgnoresSpentRetryBudget(t *testing.T) {
	fail := true
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		if fail {
			return nil, fmt.Errorf("renderer crashed")
		}
		return pagesOf(2, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{MaxRetries: 1})
	ctx := context.Background()

	_, err := env.svc.Convert(ctx, env.doc.ID)
	require.Error(t, err)

	var cfe *models.ConversionFailedError
	_, err = env.svc.Convert(ctx, env.doc.ID)
	require.Error(t, err)
	_, err = env.svc.Convert(ctx, env.doc.ID)
	require.ErrorAs(t, err, &cfe)

	fail = false
	res, err := env.svc.Reconvert(ctx, env.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageCount)
}

func TestConvertTimeout(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("render aborted: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			return pagesOf(1, 50000), nil
		}
	}}
	env := newTestEnv(t, raster, Options{ConversionBudget: 50 * time.Millisecond})

	_, err := env.svc.Convert(context.Background(), env.doc.ID)
	var terr *models.TimeoutError
	require.ErrorAs(t, err, &terr)

	job := env.latestJob(t)
	assert.Equal(t, models.JobFailed, job.Status, "budget overrun must not leave the job processing")
}

func TestConcurrentConvertSingleJob(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		time.Sleep(20 * time.Millisecond) // widen the race window
		return pagesOf(3, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Convert(ctx, env.doc.ID)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 1, raster.renderCount(), "document rasterized exactly once")
	assert.Equal(t, 3, env.blobs.uploadCount(), "pages uploaded exactly once")

	var completed int64
	require.NoError(t, env.db.Model(&models.ConversionJob{}).
		Where("document_id = ? AND status = ?", env.doc.ID, models.JobCompleted).
		Count(&completed).Error)
	assert.Equal(t, int64(1), completed)

	pages, err := env.store.ListPages(ctx, env.doc.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
}

func TestConvertExpiredPagesReconverts(t *testing.T) {
	raster := &fakeRasterizer{render: func(ctx context.Context, attempt int) ([]rasterize.Page, error) {
		return pagesOf(2, 50000), nil
	}}
	env := newTestEnv(t, raster, Options{})
	ctx := context.Background()

	_, err := env.svc.Convert(ctx, env.doc.ID)
	require.NoError(t, err)

	// force every cache entry into the past
	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.db.Model(&models.DocumentPage{}).
		Where("document_id = ?", env.doc.ID).
		Update("cache_expires_at", past).Error)

	res, err := env.svc.Convert(ctx, env.doc.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyConverted, "expired pages are not valid")
	assert.Equal(t, 2, raster.renderCount())
}

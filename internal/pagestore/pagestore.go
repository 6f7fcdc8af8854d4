// internal/pagestore/pagestore.go
package pagestore

import (
	"context"
	"errors"
	"time"

	"jstudyroom-back/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the single source of truth for rendered page metadata.
type Store struct {
	db            *gorm.DB
	blankMinBytes int64
}

func NewStore(db *gorm.DB, blankMinBytes int64) *Store {
	return &Store{db: db, blankMinBytes: blankMinBytes}
}

// UpsertPage inserts a page record or overwrites the existing one with the
// same (document_id, page_number). Reconversion legitimately replaces prior
// results, so a duplicate key is never an error; the row's version is bumped
// on overwrite.
func (s *Store) UpsertPage(ctx context.Context, page *models.DocumentPage) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}, {Name: "page_number"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"page_url":         page.PageURL,
			"file_size":        page.FileSize,
			"format":           page.Format,
			"quality":          page.Quality,
			"width":            page.Width,
			"height":           page.Height,
			"cache_key":        page.CacheKey,
			"cache_expires_at": page.CacheExpiresAt,
			"version":          gorm.Expr("document_pages.version + 1"),
			"updated_at":       time.Now(),
		}),
	}).Create(page).Error
}

// ListPages returns every page of the document sorted by page number,
// regardless of the order parallel rendering wrote them in.
func (s *Store) ListPages(ctx context.Context, documentID uint) ([]models.DocumentPage, error) {
	var pages []models.DocumentPage
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("page_number ASC").
		Find(&pages).Error
	if err != nil {
		return nil, err
	}
	return pages, nil
}

func (s *Store) GetPage(ctx context.Context, documentID uint, pageNumber int) (*models.DocumentPage, error) {
	var page models.DocumentPage
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND page_number = ?", documentID, pageNumber).
		First(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &page, nil
}

// HasValidPages reports whether the document can be served as-is: at least
// one page, none blank, none with a lapsed cache entry.
func (s *Store) HasValidPages(ctx context.Context, documentID uint) (bool, error) {
	pages, err := s.ListPages(ctx, documentID)
	if err != nil {
		return false, err
	}
	if len(pages) == 0 {
		return false, nil
	}
	now := time.Now()
	for i := range pages {
		if pages[i].IsBlank(s.blankMinBytes) || pages[i].IsExpired(now) {
			return false, nil
		}
	}
	return true, nil
}

// Invalidate drops every page of the document, forcing reconversion on the
// next access.
func (s *Store) Invalidate(ctx context.Context, documentID uint) error {
	return s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.DocumentPage{}).Error
}

// TouchAccess records a cache hit on the page.
func (s *Store) TouchAccess(ctx context.Context, pageID uint) error {
	return s.db.WithContext(ctx).
		Model(&models.DocumentPage{}).
		Where("id = ?", pageID).
		Updates(map[string]interface{}{
			"cache_hits":       gorm.Expr("cache_hits + 1"),
			"last_accessed_at": time.Now(),
		}).Error
}

func (s *Store) BlankMinBytes() int64 { return s.blankMinBytes }

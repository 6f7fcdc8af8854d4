// internal/serving/resolver.go
package serving

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"jstudyroom-back/internal/converter"
	"jstudyroom-back/internal/models"
	"jstudyroom-back/internal/pagestore"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Converter triggers whole-document conversion; per-page conversion is not
// supported.
type Converter interface {
	Convert(ctx context.Context, documentID uint) (*converter.Result, error)
}

// Signer turns a storage-relative path into a time-limited URL.
type Signer interface {
	SignedURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

type PageView struct {
	PageNumber int    `json:"page_number"`
	URL        string `json:"url"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

// Resolver answers page-view requests from page metadata, converting on
// demand and recovering from dead signed URLs.
type Resolver struct {
	db     *gorm.DB
	pages  *pagestore.Store
	signer Signer
	conv   Converter
	ttl    time.Duration
	probe  *http.Client // nil disables URL reachability checks
	log    zerolog.Logger
}

func NewResolver(db *gorm.DB, pages *pagestore.Store, signer Signer, conv Converter, ttl time.Duration, probe *http.Client, log zerolog.Logger) *Resolver {
	return &Resolver{
		db:     db,
		pages:  pages,
		signer: signer,
		conv:   conv,
		ttl:    ttl,
		probe:  probe,
		log:    log,
	}
}

// ListPageViews resolves every page of the document, converting first if no
// valid pages exist.
func (r *Resolver) ListPageViews(ctx context.Context, documentID uint) ([]PageView, error) {
	if err := r.documentExists(ctx, documentID); err != nil {
		return nil, err
	}

	ok, err := r.pages.HasValidPages(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := r.ensureConverted(ctx, documentID); err != nil {
			return nil, err
		}
	}

	pages, err := r.pages.ListPages(ctx, documentID)
	if err != nil {
		return nil, err
	}
	views := make([]PageView, 0, len(pages))
	for i := range pages {
		url, err := r.resolveURL(ctx, &pages[i])
		if err != nil {
			return nil, err
		}
		views = append(views, PageView{
			PageNumber: pages[i].PageNumber,
			URL:        url,
			Width:      pages[i].Width,
			Height:     pages[i].Height,
		})
	}
	return views, nil
}

// ResolvePage resolves one page to a servable URL: Resolve -> Serve, with
// Convert in between when the record is missing, blank, or expired.
func (r *Resolver) ResolvePage(ctx context.Context, documentID uint, pageNumber int) (*PageView, error) {
	if err := r.documentExists(ctx, documentID); err != nil {
		return nil, err
	}

	page, err := r.pages.GetPage(ctx, documentID, pageNumber)
	if errors.Is(err, models.ErrNotFound) || (err == nil && (page.IsExpired(time.Now()) || page.IsBlank(r.pages.BlankMinBytes()))) {
		if cerr := r.ensureConverted(ctx, documentID); cerr != nil {
			return nil, cerr
		}
		page, err = r.pages.GetPage(ctx, documentID, pageNumber)
	}
	if err != nil {
		return nil, err
	}

	url, err := r.resolveURL(ctx, page)
	if err != nil {
		return nil, err
	}

	if err := r.pages.TouchAccess(ctx, page.ID); err != nil {
		r.log.Warn().Err(err).Uint("page_id", page.ID).Msg("could not record page access")
	}

	return &PageView{
		PageNumber: page.PageNumber,
		URL:        url,
		Width:      page.Width,
		Height:     page.Height,
	}, nil
}

func (r *Resolver) documentExists(ctx context.Context, documentID uint) error {
	var doc models.Document
	if err := r.db.WithContext(ctx).Select("id").First(&doc, documentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrNotFound
		}
		return err
	}
	return nil
}

// ensureConverted runs on-demand conversion, mapping converter failures to
// the user-facing states.
func (r *Resolver) ensureConverted(ctx context.Context, documentID uint) error {
	// Detached from the request: a caller abandoning the page load must not
	// abort a conversion other waiters will reuse.
	_, err := r.conv.Convert(context.WithoutCancel(ctx), documentID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrStillProcessing):
		return models.ErrStillProcessing
	case errors.Is(err, models.ErrNotFound):
		return err
	case errors.Is(err, models.ErrBlankPageDetected):
		return err
	default:
		r.log.Error().Err(err).Uint("document_id", documentID).Msg("on-demand conversion failed")
		return models.ErrUnavailable
	}
}

// resolveURL returns a servable URL for the page. Stored values are either
// absolute URLs or storage-relative paths; the latter are signed here.
func (r *Resolver) resolveURL(ctx context.Context, page *models.DocumentPage) (string, error) {
	isAbsolute := strings.HasPrefix(page.PageURL, "http://") || strings.HasPrefix(page.PageURL, "https://")

	url := page.PageURL
	if !isAbsolute {
		signed, err := r.signer.SignedURL(ctx, page.PageURL, r.ttl)
		if err != nil {
			return "", err
		}
		url = signed
	}

	if r.probe == nil {
		return url, nil
	}

	status, err := r.head(ctx, url)
	if err != nil {
		return "", err
	}
	if status < 400 {
		return url, nil
	}

	// One fresh signature, then give up with a typed error.
	if !isAbsolute {
		resigned, serr := r.signer.SignedURL(ctx, page.PageURL, r.ttl)
		if serr == nil {
			if status2, perr := r.head(ctx, resigned); perr == nil && status2 < 400 {
				r.log.Info().Uint("page_id", page.ID).Int("status", status).
					Msg("recovered page URL with fresh signature")
				return resigned, nil
			} else if perr == nil {
				status = status2
			}
		}
	}

	return "", &models.URLResolutionError{
		Kind:   urlErrorKind(status),
		Path:   page.PageURL,
		Status: status,
	}
}

func (r *Resolver) head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		return 0, &models.URLResolutionError{Kind: models.URLNotFound, Path: url}
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func urlErrorKind(status int) models.URLErrorKind {
	switch status {
	case http.StatusForbidden:
		return models.URLForbidden
	case http.StatusNotFound:
		return models.URLNotFound
	default:
		return models.URLExpired
	}
}

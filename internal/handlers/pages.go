// internal/handlers/pages.go
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"jstudyroom-back/internal/models"
	"jstudyroom-back/internal/serving"

	"github.com/gin-gonic/gin"
)

// ListPages returns the page descriptors of a document, converting on first
// view.
func ListPages(resolver *serving.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document id"})
			return
		}

		views, err := resolver.ListPageViews(c.Request.Context(), uint(documentID))
		if err != nil {
			respondResolveError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"document_id": documentID,
			"page_count":  len(views),
			"pages":       views,
		})
	}
}

// GetPage redirects to a signed URL for a single page.
func GetPage(resolver *serving.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document id"})
			return
		}
		pageNumber, err := strconv.Atoi(c.Param("page"))
		if err != nil || pageNumber < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page number"})
			return
		}

		view, err := resolver.ResolvePage(c.Request.Context(), uint(documentID), pageNumber)
		if err != nil {
			respondResolveError(c, err)
			return
		}

		c.Redirect(http.StatusFound, view.URL)
	}
}

// respondResolveError maps resolver errors to the small set of user-facing
// states. Internal error text never reaches the client.
func respondResolveError(c *gin.Context, err error) {
	var urlErr *models.URLResolutionError
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Document or page not found"})
	case errors.Is(err, models.ErrStillProcessing):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, models.ErrBlankPageDetected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Document rendered blank pages", "state": "unavailable_retry"})
	case errors.Is(err, models.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Document unavailable", "state": "unavailable_retry"})
	case errors.As(err, &urlErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Page temporarily unavailable", "state": "unavailable_retry", "kind": string(urlErr.Kind)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "state": "unavailable_contact_support"})
	}
}

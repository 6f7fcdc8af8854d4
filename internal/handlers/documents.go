// internal/handlers/documents.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"jstudyroom-back/internal/converter"
	"jstudyroom-back/internal/models"
	"jstudyroom-back/internal/pagestore"
	"jstudyroom-back/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// BlobStore is the slice of object storage the document handlers need.
type BlobStore interface {
	UploadFromReader(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// PageCounter inspects a PDF on disk without rendering it.
type PageCounter interface {
	PageCount(pdfPath string) (int, error)
}

// Converter runs whole-document conversion.
type Converter interface {
	Convert(ctx context.Context, documentID uint) (*converter.Result, error)
	Reconvert(ctx context.Context, documentID uint) (*converter.Result, error)
}

// UploadDocument receives a PDF, stores it, and kicks off conversion in the
// background.
func UploadDocument(db *gorm.DB, blobs BlobStore, counter PageCounter, conv Converter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")

		file, err := c.FormFile("document")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No document file provided"})
			return
		}

		if ext := strings.ToLower(filepath.Ext(file.Filename)); ext != ".pdf" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files are allowed"})
			return
		}

		tempPath := filepath.Join(os.TempDir(), fmt.Sprintf("upload_%s.pdf", uuid.New().String()))
		if err := c.SaveUploadedFile(file, tempPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
			return
		}
		defer os.Remove(tempPath)

		pageCount, err := counter.PageCount(tempPath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File is not a valid PDF"})
			return
		}

		doc := &models.Document{
			UserID:           userID,
			OriginalFilename: file.Filename,
			ContentType:      "application/pdf",
			SourcePath:       "pending",
			PageCount:        pageCount,
		}
		if err := db.Create(doc).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create document"})
			return
		}
		// The row only survives once the source object is in storage and the
		// path is recorded.
		discardDocument := func() {
			if derr := db.Unscoped().Delete(&models.Document{}, doc.ID).Error; derr != nil {
				log.Error().Err(derr).Uint("document_id", doc.ID).Msg("failed to remove orphaned document row")
			}
		}

		src, err := os.Open(tempPath)
		if err != nil {
			discardDocument()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
			return
		}
		defer src.Close()

		objectName := storage.SourceObjectName(userID, doc.ID)
		if _, err := blobs.UploadFromReader(c.Request.Context(), objectName, src, file.Size, "application/pdf"); err != nil {
			discardDocument()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload to storage"})
			return
		}

		if err := db.Model(doc).Update("source_path", objectName).Error; err != nil {
			discardDocument()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update document"})
			return
		}

		// Convert in the background; viewers polling GET /api/documents/:id
		// see job progress.
		go func() {
			if _, err := conv.Convert(context.Background(), doc.ID); err != nil {
				log.Error().Err(err).Uint("document_id", doc.ID).Msg("background conversion failed")
			}
		}()

		c.JSON(http.StatusOK, gin.H{
			"message":     "Upload accepted, conversion started",
			"document_id": doc.ID,
			"page_count":  pageCount,
			"status":      "processing",
		})
	}
}

// GetDocument returns the document together with its latest conversion job.
func GetDocument(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		doc, ok := ownedDocument(c, db, userID)
		if !ok {
			return
		}

		response := gin.H{
			"id":                doc.ID,
			"original_filename": doc.OriginalFilename,
			"page_count":        doc.PageCount,
			"processed":         doc.Processed,
			"created_at":        doc.CreatedAt,
		}

		var job models.ConversionJob
		if err := db.Where("document_id = ?", doc.ID).Order("id DESC").First(&job).Error; err == nil {
			response["job"] = gin.H{
				"id":              job.ID,
				"status":          job.Status,
				"stage":           job.Stage,
				"progress":        job.Progress,
				"total_pages":     job.TotalPages,
				"processed_pages": job.ProcessedPages,
				"retry_count":     job.RetryCount,
				"error":           job.ErrorMessage,
			}
		}

		c.JSON(http.StatusOK, response)
	}
}

// ConvertDocument triggers conversion explicitly, e.g. after a failed
// background run.
func ConvertDocument(db *gorm.DB, conv Converter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		doc, ok := ownedDocument(c, db, userID)
		if !ok {
			return
		}

		go func() {
			if _, err := conv.Convert(context.Background(), doc.ID); err != nil {
				log.Error().Err(err).Uint("document_id", doc.ID).Msg("requested conversion failed")
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"document_id": doc.ID, "status": "processing"})
	}
}

// InvalidateDocument drops cached pages and reconverts from scratch.
func InvalidateDocument(db *gorm.DB, conv Converter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		doc, ok := ownedDocument(c, db, userID)
		if !ok {
			return
		}

		go func() {
			if _, err := conv.Reconvert(context.Background(), doc.ID); err != nil {
				log.Error().Err(err).Uint("document_id", doc.ID).Msg("reconversion failed")
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"document_id": doc.ID, "status": "processing"})
	}
}

// DeleteDocument removes the document, its pages, its job history, and every
// stored object.
func DeleteDocument(db *gorm.DB, blobs BlobStore, pages *pagestore.Store, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		doc, ok := ownedDocument(c, db, userID)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		if err := pages.Invalidate(ctx, doc.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete pages"})
			return
		}
		if err := db.Where("document_id = ?", doc.ID).Delete(&models.ConversionJob{}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete jobs"})
			return
		}
		if err := db.Delete(&models.Document{}, doc.ID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete document"})
			return
		}
		if err := blobs.RemovePrefix(ctx, storage.DocumentPrefix(userID, doc.ID)); err != nil {
			// rows are gone; orphaned objects are logged for cleanup
			log.Warn().Err(err).Uint("document_id", doc.ID).Msg("failed to delete stored objects")
		}

		c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
	}
}

func ownedDocument(c *gin.Context, db *gorm.DB, userID uint) (*models.Document, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document id"})
		return nil, false
	}

	var doc models.Document
	if err := db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch document"})
		}
		return nil, false
	}
	return &doc, true
}

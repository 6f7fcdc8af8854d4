// cmd/server/main.go
package main

import (
	stdlog "log"
	"net/http"
	"time"

	"jstudyroom-back/internal/config"
	"jstudyroom-back/internal/converter"
	"jstudyroom-back/internal/database"
	"jstudyroom-back/internal/handlers"
	"jstudyroom-back/internal/logging"
	"jstudyroom-back/internal/middleware"
	"jstudyroom-back/internal/pagestore"
	"jstudyroom-back/internal/serving"
	"jstudyroom-back/internal/storage"
	"jstudyroom-back/pkg/rasterize"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		stdlog.Println("No .env file found")
	}

	log := logging.New()
	cfg := config.Load()

	// Initialize database
	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	// Auto-migrate models
	if err := database.MigrateDB(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	minioClient, err := storage.NewMinIOClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MinIO client")
	}

	raster, err := rasterize.NewService(rasterize.Options{
		DPI:           cfg.RenderDPI,
		Quality:       cfg.RenderQuality,
		Format:        cfg.RenderFormat,
		WatermarkText: cfg.WatermarkText,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid rasterizer options")
	}

	pages := pagestore.NewStore(db, cfg.BlankPageMinBytes)

	conv := converter.NewService(db, pages, minioClient, raster, converter.Options{
		Quality:           cfg.RenderQuality,
		PageCacheTTL:      cfg.PageCacheTTL,
		MaxRetries:        cfg.MaxRetries,
		ConversionBudget:  cfg.ConversionBudget,
		UploadParallelism: cfg.UploadParallelism,
		BlankPageMinBytes: cfg.BlankPageMinBytes,
	}, log)

	probe := &http.Client{Timeout: 10 * time.Second}
	resolver := serving.NewResolver(db, pages, minioClient, conv, cfg.SignedURLTTL, probe, log)

	// Initialize Gin router
	r := gin.Default()
	r.Use(middleware.CORSMiddleware())

	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		protected.POST("/documents", handlers.UploadDocument(db, minioClient, raster, conv, log))
		protected.GET("/documents/:id", handlers.GetDocument(db))
		protected.POST("/documents/:id/convert", handlers.ConvertDocument(db, conv, log))
		protected.POST("/documents/:id/invalidate", handlers.InvalidateDocument(db, conv, log))
		protected.DELETE("/documents/:id", handlers.DeleteDocument(db, minioClient, pages, log))
	}

	viewer := r.Group("/pages")
	viewer.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		viewer.GET("/:id", handlers.ListPages(resolver))
		viewer.GET("/:id/:page", handlers.GetPage(resolver))
	}

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

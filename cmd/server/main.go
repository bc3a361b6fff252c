package main

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dronebassan/pdf-parser-pro-v2/internal/api"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/config"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/db"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/llm"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/ocr"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/services"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer conn.Close()

	documentService := services.NewDocumentService(conn, cfg.UploadDir)
	usageService := services.NewUsageService(conn)
	pdfService := services.NewPDFService(cfg.MaxUploadSize)

	var ocrEngine ocr.Engine
	if cfg.OCREnabled {
		ocrEngine = ocr.NewTesseract(cfg.OCRLanguages)
	} else {
		ocrEngine = ocr.NewDisabled()
	}

	registry := llm.NewRegistry(llm.RegistryConfig{
		OpenAIKey:      cfg.OpenAIKey,
		OpenAIModel:    cfg.OpenAIModel,
		OpenAIEndpoint: cfg.OpenAIEndpoint,
		GeminiKey:      cfg.GeminiKey,
		GeminiModel:    cfg.GeminiModel,
		GeminiBaseURL:  cfg.GeminiBaseURL,
		AnthropicKey:   cfg.AnthropicKey,
		AnthropicModel: cfg.AnthropicModel,
		FallbackOrder:  cfg.FallbackOrder,
	}, log)

	parser := services.NewSmartParser(pdfService, ocrEngine, registry, cfg.ConfidenceThreshold, log)

	server := api.NewServer(conn, documentService, parser, usageService, registry, api.Options{
		Environment:   cfg.Environment,
		OCRAvailable:  ocrEngine.Available(),
		MaxUploadSize: cfg.MaxUploadSize,
	}, log)

	log.WithFields(logrus.Fields{
		"port":        cfg.Port,
		"environment": cfg.Environment,
		"providers":   registry.Configured(),
		"ocr":         ocrEngine.Available(),
		"ghostscript": services.GhostscriptAvailable(),
	}).Info("starting server")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}

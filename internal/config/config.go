/**
 * Configuration for the page OCR worker
 *
 * Loads configuration from environment variables. Every heuristic threshold
 * has a default and can be overridden with its own variable.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adverant/nexus/docprep-worker/internal/processor"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string

	// PostgreSQL ledger; empty disables it
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	LogLevel          string
	// HealthInterval is how often the worker logs queue and ledger health; zero disables it
	HealthInterval time.Duration

	// Tesseract configuration
	TesseractLang string

	// Temporary directory for engine input files
	TempDir string

	// Rendering
	ScaleFast       float64
	ScaleAccurate   float64
	MaxRenderPixels int

	// Heuristics handed to the page pipeline
	Settings processor.Settings
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "docprep:ocr"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		HealthInterval:    time.Duration(getEnvAsIntOrDefault("HEALTH_INTERVAL_SEC", 60)) * time.Second,
		TesseractLang:     getEnvOrDefault("TESSERACT_LANG", "eng"),
		TempDir:           getEnvOrDefault("TEMP_DIR", os.TempDir()),
		ScaleFast:         getEnvAsFloatOrDefault("DEFAULT_SCALE_FAST", 1.5),
		ScaleAccurate:     getEnvAsFloatOrDefault("DEFAULT_SCALE_ACCURATE", 2.0),
		MaxRenderPixels:   getEnvAsIntOrDefault("MAX_RENDER_PIXELS", 40_000_000),
	}
	cfg.Settings = loadSettings(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadSettings(cfg *Config) processor.Settings {
	s := processor.DefaultSettings()
	s.TempDir = cfg.TempDir
	s.Defaults.Language = cfg.TesseractLang

	m := &s.Mask
	m.FullPageRatio = getEnvAsFloatOrDefault("MASK_FULL_PAGE_RATIO", m.FullPageRatio)
	m.LowNativeChars = getEnvAsIntOrDefault("MASK_LOW_NATIVE_CHARS", m.LowNativeChars)
	m.MinRegionRatio = getEnvAsFloatOrDefault("MASK_MIN_REGION_RATIO", m.MinRegionRatio)
	m.MaxRegions = getEnvAsIntOrDefault("MASK_MAX_REGIONS", m.MaxRegions)
	m.SampleSize = getEnvAsIntOrDefault("MASK_SAMPLE_SIZE", m.SampleSize)
	m.WhiteLuma = getEnvAsFloatOrDefault("MASK_WHITE_LUMA", m.WhiteLuma)
	m.DarkLuma = getEnvAsFloatOrDefault("MASK_DARK_LUMA", m.DarkLuma)
	m.TextColorfulnessMax = getEnvAsFloatOrDefault("MASK_TEXT_COLORFULNESS_MAX", m.TextColorfulnessMax)
	m.TextWhiteMin = getEnvAsFloatOrDefault("MASK_TEXT_WHITE_MIN", m.TextWhiteMin)
	m.TextWhiteStrong = getEnvAsFloatOrDefault("MASK_TEXT_WHITE_STRONG", m.TextWhiteStrong)
	m.PhotoMidMin = getEnvAsFloatOrDefault("MASK_PHOTO_MID_MIN", m.PhotoMidMin)
	m.PhotoColorfulnessMin = getEnvAsFloatOrDefault("MASK_PHOTO_COLORFULNESS_MIN", m.PhotoColorfulnessMin)
	m.PhotoWhiteMax = getEnvAsFloatOrDefault("MASK_PHOTO_WHITE_MAX", m.PhotoWhiteMax)
	m.PhotoMidSecondary = getEnvAsFloatOrDefault("MASK_PHOTO_MID_SECONDARY", m.PhotoMidSecondary)
	m.PhotoColorfulnessStrong = getEnvAsFloatOrDefault("MASK_PHOTO_COLORFULNESS_STRONG", m.PhotoColorfulnessStrong)
	m.PhotoWhiteStrongMax = getEnvAsFloatOrDefault("MASK_PHOTO_WHITE_STRONG_MAX", m.PhotoWhiteStrongMax)
	s.Defaults.MaskMargin = getEnvAsFloatOrDefault("MASK_MARGIN_PX", s.Defaults.MaskMargin)

	c := &s.Crop
	c.MinTextRegions = getEnvAsIntOrDefault("CROP_MIN_TEXT_REGIONS", c.MinTextRegions)
	c.RightMarginRatio = getEnvAsFloatOrDefault("CROP_RIGHT_MARGIN_RATIO", c.RightMarginRatio)
	c.MaxWidthRatio = getEnvAsFloatOrDefault("CROP_MAX_WIDTH_RATIO", c.MaxWidthRatio)
	c.CaptionOverlapRatio = getEnvAsFloatOrDefault("CROP_CAPTION_OVERLAP_RATIO", c.CaptionOverlapRatio)
	s.Defaults.CropPadding = getEnvAsFloatOrDefault("CROP_PADDING_PX", s.Defaults.CropPadding)

	d := &s.Diagram
	d.MinAreaRatio = getEnvAsFloatOrDefault("DIAGRAM_MIN_AREA_RATIO", d.MinAreaRatio)
	d.LeftMaxRatio = getEnvAsFloatOrDefault("DIAGRAM_LEFT_MAX_RATIO", d.LeftMaxRatio)
	d.RightMinRatio = getEnvAsFloatOrDefault("DIAGRAM_RIGHT_MIN_RATIO", d.RightMinRatio)
	d.MaxTextDensity = getEnvAsFloatOrDefault("DIAGRAM_MAX_TEXT_DENSITY", d.MaxTextDensity)
	d.MinNativeChars = getEnvAsIntOrDefault("DIAGRAM_MIN_NATIVE_CHARS", d.MinNativeChars)

	p := &s.Post
	p.LowConfidence = getEnvAsFloatOrDefault("POST_LOW_CONFIDENCE", p.LowConfidence)
	p.MaxNoiseTokenRunes = getEnvAsIntOrDefault("POST_MAX_NOISE_TOKEN_RUNES", p.MaxNoiseTokenRunes)
	p.CaptionOverlap = getEnvAsFloatOrDefault("POST_CAPTION_OVERLAP", p.CaptionOverlap)

	b := &s.Backfill
	b.EdgeToleranceRatio = getEnvAsFloatOrDefault("BACKFILL_EDGE_TOLERANCE_RATIO", b.EdgeToleranceRatio)
	b.Padding = getEnvAsFloatOrDefault("BACKFILL_PADDING_PX", b.Padding)
	b.MinLines = getEnvAsIntOrDefault("BACKFILL_MIN_LINES", b.MinLines)

	h := &s.Header
	h.BandRatio = getEnvAsFloatOrDefault("HEADER_BAND_RATIO", h.BandRatio)
	h.BandHeight = getEnvAsFloatOrDefault("HEADER_BAND_HEIGHT_PX", h.BandHeight)
	h.MinSeparationRatio = getEnvAsFloatOrDefault("HEADER_MIN_SEPARATION_RATIO", h.MinSeparationRatio)

	s.MergeGap = getEnvAsFloatOrDefault("LAYOUT_MERGE_GAP_PX", s.MergeGap)
	return s
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ScaleFast <= 0 || c.ScaleAccurate <= 0 {
		return fmt.Errorf("DEFAULT_SCALE_FAST and DEFAULT_SCALE_ACCURATE must be positive")
	}

	if c.HealthInterval < 0 {
		return fmt.Errorf("HEALTH_INTERVAL_SEC must not be negative")
	}

	if c.MaxRenderPixels < 0 {
		return fmt.Errorf("MAX_RENDER_PIXELS must not be negative, got %d", c.MaxRenderPixels)
	}

	s := c.Settings
	for name, v := range map[string]float64{
		"MASK_FULL_PAGE_RATIO":    s.Mask.FullPageRatio,
		"MASK_MIN_REGION_RATIO":   s.Mask.MinRegionRatio,
		"CROP_RIGHT_MARGIN_RATIO": s.Crop.RightMarginRatio,
		"CROP_MAX_WIDTH_RATIO":    s.Crop.MaxWidthRatio,
		"DIAGRAM_LEFT_MAX_RATIO":  s.Diagram.LeftMaxRatio,
		"DIAGRAM_RIGHT_MIN_RATIO": s.Diagram.RightMinRatio,
		"HEADER_BAND_RATIO":       s.Header.BandRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}

	if s.Diagram.LeftMaxRatio >= s.Diagram.RightMinRatio {
		return fmt.Errorf("DIAGRAM_LEFT_MAX_RATIO must be below DIAGRAM_RIGHT_MIN_RATIO")
	}

	if s.Mask.SampleSize < 1 {
		return fmt.Errorf("MASK_SAMPLE_SIZE must be positive, got %d", s.Mask.SampleSize)
	}

	if s.Defaults.MaskMargin < 0 || s.Defaults.CropPadding < 0 {
		return fmt.Errorf("MASK_MARGIN_PX and CROP_PADDING_PX must not be negative")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

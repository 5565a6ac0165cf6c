package ml

// embedder.go - Local sentence embeddings via Hugot/ONNX
//
// The anomaly scorer needs a fixed-dimensionality dense vector per document.
// We run a general-purpose sentence embedding model (MiniLM-class) through a
// feature-extraction pipeline, fully local, no external API calls.
//
// Build:
// - Standard: go build (uses Go backend, slower but no dependencies)
// - With ORT: go build -tags ORT (uses ONNX Runtime, faster)

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// Embedder encodes text into fixed-size dense vectors. Implementations are
// treated as black boxes by the rest of the engine, so backends can be
// swapped without touching fusion or caching logic.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// EmbedderConfig configures the Hugot embedder.
type EmbedderConfig struct {
	// ModelPath is the local path to the ONNX model directory.
	ModelPath string

	// ModelName is the HuggingFace model name, used to download the model
	// when ModelPath does not exist.
	ModelName string

	// OnnxLibraryPath is the directory holding libonnxruntime.
	// Empty falls back to the pure Go backend.
	OnnxLibraryPath string
}

// ModelMiniLM is the default embedding model: small, Apache 2.0 licensed,
// good general-purpose sentence vectors.
const ModelMiniLM = "sentence-transformers/all-MiniLM-L6-v2"

// HugotEmbedder runs a local feature-extraction pipeline over an ONNX
// sentence embedding model.
type HugotEmbedder struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	mu       sync.RWMutex
	config   EmbedderConfig
}

// NewHugotEmbedder initializes the session and pipeline. Model load failure
// is returned to the caller; the anomaly signal is structurally required, so
// callers treat this as fatal at startup rather than degrading silently.
func NewHugotEmbedder(cfg EmbedderConfig) (*HugotEmbedder, error) {
	e := &HugotEmbedder{config: cfg}

	session, err := e.createSession()
	if err != nil {
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}
	e.session = session

	modelPath, err := e.resolveModelPath()
	if err != nil {
		_ = e.session.Destroy()
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "sentence-embedder",
	})
	if err != nil {
		_ = e.session.Destroy()
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}

	e.pipeline = pipeline
	log.Printf("[STARTUP] Embedder initialized (model: %s)", modelPath)
	return e, nil
}

// createSession creates the Hugot session with the appropriate backend.
func (e *HugotEmbedder) createSession() (*hugot.Session, error) {
	// Try ONNX Runtime backend first (fastest)
	if e.config.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(
			options.WithOnnxLibraryPath(e.config.OnnxLibraryPath),
		)
		if err == nil {
			log.Printf("[STARTUP] Embedder using ONNX Runtime backend")
			return session, nil
		}
		log.Printf("[WARN] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}

	// Fall back to pure Go backend (slower but no dependencies)
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Go session: %w", err)
	}
	log.Printf("[STARTUP] Embedder using pure Go backend (slower, consider installing ONNX Runtime)")
	return session, nil
}

// resolveModelPath ensures the model is available locally, downloading it by
// name if the configured path does not exist.
func (e *HugotEmbedder) resolveModelPath() (string, error) {
	if e.config.ModelPath != "" {
		if _, err := os.Stat(e.config.ModelPath); err == nil {
			return e.config.ModelPath, nil
		}
	}

	if e.config.ModelName == "" {
		return "", fmt.Errorf("no model path or name specified")
	}

	modelsDir := "./models"
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create models directory: %w", err)
	}

	log.Printf("Downloading model %s...", e.config.ModelName)
	modelPath, err := hugot.DownloadModel(
		e.config.ModelName,
		modelsDir,
		hugot.NewDownloadOptions(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}

	log.Printf("Model downloaded to %s", modelPath)
	return modelPath, nil
}

// Embed encodes a batch of texts. Results are in input order.
func (e *HugotEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.pipeline == nil {
		return nil, fmt.Errorf("embedder not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Close releases the underlying ONNX session.
func (e *HugotEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
		e.session = nil
	}
	return nil
}

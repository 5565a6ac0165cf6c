package ml

// anomaly.go - Unsupervised embedding anomaly scoring
//
// The anomaly signal needs no labeled poison examples: it measures how far a
// document's embedding sits from a reference manifold built from a curated
// corpus of benign samples. Novel attack phrasing the rule table does not yet
// enumerate still shows up as a distributional outlier.
//
// The manifold is a vector store of benign embeddings. The raw anomaly value
// for a document is its cosine distance to the nearest benign neighbor,
// min-max calibrated against the distances observed inside the benign corpus
// itself during Fit, so scores land in [0,1] regardless of embedding model.

import (
	"context"
	"errors"
	"fmt"
	"log"

	chromem "github.com/philippgille/chromem-go"
)

const benignCollection = "benign_manifold"

// ErrNotFitted reports scoring against a detector whose benign manifold has
// not been built yet.
var ErrNotFitted = errors.New("anomaly model not fitted")

// AnomalyScorer scores normalized text for novelty relative to a benign
// baseline. Scores are in [0,1]; higher = more anomalous.
type AnomalyScorer interface {
	Score(ctx context.Context, text string) (float64, error)
	ScoreBatch(ctx context.Context, texts []string) ([]float64, error)
}

// AnomalyDetector is the chromem-backed AnomalyScorer. It must be fitted on
// a benign corpus before scoring.
type AnomalyDetector struct {
	embedder   Embedder
	db         *chromem.DB
	collection *chromem.Collection
	embedOne   chromem.EmbeddingFunc
	batchSize  int

	// Calibration bounds from Fit. Raw nearest-neighbor distances are
	// min-max scaled into [0,1] against these.
	calMin float64
	calMax float64
	fitted bool
}

// NewAnomalyDetector creates a detector over the given embedder. The vector
// store lives under dataDir when non-empty, in memory otherwise. Either way
// Fit must run before scoring: calibration bounds are process-local, and Fit
// rebuilds the manifold from the corpus it is given.
func NewAnomalyDetector(embedder Embedder, dataDir string, batchSize int) (*AnomalyDetector, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if batchSize <= 0 {
		batchSize = 128
	}

	var db *chromem.DB
	var err error
	if dataDir != "" {
		db, err = chromem.NewPersistentDB(dataDir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}

	collection, err := db.GetOrCreateCollection(benignCollection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &AnomalyDetector{
		embedder:   embedder,
		db:         db,
		collection: collection,
		embedOne:   embeddingFunc,
		batchSize:  batchSize,
	}, nil
}

// Fit builds the benign reference manifold and calibrates the score range.
// The corpus needs at least two samples so every sample has a non-self
// nearest neighbor to calibrate against.
func (a *AnomalyDetector) Fit(ctx context.Context, benign []string) error {
	if len(benign) < 2 {
		return fmt.Errorf("benign corpus too small: need at least 2 samples, got %d", len(benign))
	}

	// Refitting replaces the manifold wholesale. Without this reset a
	// persistent store keeps vectors from a prior corpus and every score
	// drifts away from the current benign baseline.
	if err := a.db.DeleteCollection(benignCollection); err != nil {
		return fmt.Errorf("failed to reset collection: %w", err)
	}
	collection, err := a.db.GetOrCreateCollection(benignCollection, nil, a.embedOne)
	if err != nil {
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	a.collection = collection

	// Embed the corpus in configured batches to amortize model invocation.
	embeddings := make([][]float32, 0, len(benign))
	for start := 0; start < len(benign); start += a.batchSize {
		end := start + a.batchSize
		if end > len(benign) {
			end = len(benign)
		}
		vecs, err := a.embedder.Embed(ctx, benign[start:end])
		if err != nil {
			return fmt.Errorf("failed to embed benign corpus: %w", err)
		}
		embeddings = append(embeddings, vecs...)
	}

	docs := make([]chromem.Document, len(benign))
	for i := range benign {
		docs[i] = chromem.Document{
			ID:        fmt.Sprintf("benign_%d", i),
			Content:   benign[i],
			Embedding: embeddings[i],
		}
	}
	if err := a.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add benign corpus: %w", err)
	}

	// Calibrate: for each benign sample, distance to its nearest non-self
	// neighbor. These distances define what "normal" spread looks like.
	a.calMin, a.calMax = 1.0, 0.0
	for i, vec := range embeddings {
		raw, err := a.rawDistance(ctx, vec, fmt.Sprintf("benign_%d", i))
		if err != nil {
			return fmt.Errorf("calibration failed: %w", err)
		}
		if raw < a.calMin {
			a.calMin = raw
		}
		if raw > a.calMax {
			a.calMax = raw
		}
	}
	if a.calMax <= a.calMin {
		// Degenerate corpus (e.g. identical samples). Keep a usable range.
		a.calMax = a.calMin + 0.1
	}

	a.fitted = true
	log.Printf("[STARTUP] Anomaly model fitted on %d benign samples (distance range %.4f-%.4f)",
		len(benign), a.calMin, a.calMax)
	return nil
}

// rawDistance returns the cosine distance from vec to its nearest neighbor
// in the manifold, skipping the document with excludeID.
func (a *AnomalyDetector) rawDistance(ctx context.Context, vec []float32, excludeID string) (float64, error) {
	n := 1
	if excludeID != "" {
		n = 2
	}
	if count := a.collection.Count(); n > count {
		n = count
	}

	results, err := a.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	for _, r := range results {
		if r.ID == excludeID {
			continue
		}
		return 1.0 - float64(r.Similarity), nil
	}
	return 0, fmt.Errorf("no neighbors found")
}

// Score returns the calibrated anomaly score for one text.
func (a *AnomalyDetector) Score(ctx context.Context, text string) (float64, error) {
	scores, err := a.ScoreBatch(ctx, []string{text})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch scores texts against the benign manifold, embedding them in
// configured batches. Results are in input order.
func (a *AnomalyDetector) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	if !a.fitted {
		return nil, fmt.Errorf("%w: call Fit first", ErrNotFitted)
	}
	if len(texts) == 0 {
		return []float64{}, nil
	}

	scores := make([]float64, 0, len(texts))
	for start := 0; start < len(texts); start += a.batchSize {
		end := start + a.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := a.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch: %w", err)
		}
		for _, vec := range vecs {
			raw, err := a.rawDistance(ctx, vec, "")
			if err != nil {
				return nil, err
			}
			scores = append(scores, a.calibrate(raw))
		}
	}
	return scores, nil
}

// calibrate min-max scales a raw distance into [0,1].
func (a *AnomalyDetector) calibrate(raw float64) float64 {
	s := (raw - a.calMin) / (a.calMax - a.calMin)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Package scan orchestrates the detection pipeline: cache lookup, parallel
// heuristic and anomaly scoring on a miss, fusion, and result caching.
package scan

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/varunsripad123/sentineldf/pkg/cache"
	"github.com/varunsripad123/sentineldf/pkg/config"
	"github.com/varunsripad123/sentineldf/pkg/ml"
)

// Scanner is the batch-safe front door to the detection engine. Concurrent
// scans of the same fingerprint are coalesced: one computation runs, all
// callers share its outcome.
type Scanner struct {
	cfg       *config.Config
	heuristic *ml.HeuristicDetector
	anomaly   ml.AnomalyScorer
	fusion    *ml.Fusion
	store     cache.Store
	group     singleflight.Group
}

// BatchItem pairs a document with its outcome. Per-document errors are
// isolated here; one bad document never aborts a batch.
type BatchItem struct {
	Document ml.Document
	Result   ml.DetectionResult
	Err      error
}

// NewScanner wires the pipeline from a validated configuration.
func NewScanner(cfg *config.Config, anomaly ml.AnomalyScorer, store cache.Store) *Scanner {
	return &Scanner{
		cfg:       cfg,
		heuristic: ml.NewHeuristicDetector(),
		anomaly:   anomaly,
		fusion:    ml.NewFusion(cfg.HeuristicWeight, cfg.EmbeddingWeight, cfg.QuarantineThreshold),
		store:     store,
	}
}

// Scan screens one document: cache hit returns the prior result unchanged;
// on a miss the heuristic and anomaly signals run in parallel, fuse, and the
// result is cached under the document's fingerprint.
func (s *Scanner) Scan(ctx context.Context, doc ml.Document) (ml.DetectionResult, error) {
	return s.scan(ctx, doc, nil)
}

// scan is the shared path. When the batch path has already computed the
// anomaly score for this document, it is passed in to skip a second model
// invocation.
func (s *Scanner) scan(ctx context.Context, doc ml.Document, anomalyScore *float64) (ml.DetectionResult, error) {
	if result, ok, err := s.store.Get(doc.Fingerprint); err != nil {
		return ml.DetectionResult{}, fmt.Errorf("cache lookup: %w", err)
	} else if ok {
		return result, nil
	}

	// One computation per fingerprint: concurrent callers for the same key
	// wait here and share the first caller's outcome.
	v, err, _ := s.group.Do(doc.Fingerprint, func() (interface{}, error) {
		// Another caller may have completed and cached while we queued.
		// Peek keeps this internal re-check out of the hit/miss stats.
		if result, ok, err := s.store.Peek(doc.Fingerprint); err == nil && ok {
			return result, nil
		}
		return s.compute(ctx, doc, anomalyScore)
	})
	if err != nil {
		return ml.DetectionResult{}, err
	}
	return v.(ml.DetectionResult), nil
}

// compute runs both signals in parallel and fuses them.
func (s *Scanner) compute(ctx context.Context, doc ml.Document, anomalyScore *float64) (ml.DetectionResult, error) {
	var (
		heuristicScore float64
		reasons        []string
		embeddingScore float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		heuristicScore, reasons, err = s.heuristic.Evaluate(doc.NormalizedContent)
		if err != nil {
			return fmt.Errorf("heuristic evaluation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if anomalyScore != nil {
			embeddingScore = *anomalyScore
			return nil
		}
		var err error
		embeddingScore, err = s.anomaly.Score(gctx, doc.NormalizedContent)
		if err != nil {
			return fmt.Errorf("anomaly scoring: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ml.DetectionResult{}, err
	}

	result := s.fusion.Fuse(doc.Fingerprint, heuristicScore, embeddingScore, reasons)
	if err := s.store.Put(doc.Fingerprint, result); err != nil {
		return ml.DetectionResult{}, fmt.Errorf("cache store: %w", err)
	}
	return result, nil
}

// ScanBatch screens independent documents concurrently, bounded by CPU
// count. Anomaly scores for cache-missing documents are prefetched in
// configured embedding batches, which is where the model cost amortizes.
//
// Per-document failures land in the corresponding BatchItem; the returned
// error is non-nil only when the batch is aborted by ctx. Results already
// cached before an abort stay valid and are reused on retry.
func (s *Scanner) ScanBatch(ctx context.Context, docs []ml.Document) ([]BatchItem, error) {
	items := make([]BatchItem, len(docs))
	for i, doc := range docs {
		items[i] = BatchItem{Document: doc}
	}

	prefetched := s.prefetchAnomaly(ctx, docs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := range items {
		if err := ctx.Err(); err != nil {
			// Coarse-grained abort between documents. Mark the rest
			// unscanned and stop launching work.
			for j := i; j < len(items); j++ {
				items[j].Err = err
			}
			_ = g.Wait()
			return items, err
		}

		g.Go(func() error {
			doc := items[i].Document
			var score *float64
			if v, ok := prefetched[doc.Fingerprint]; ok {
				score = &v
			}
			result, err := s.scan(gctx, doc, score)
			if err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result = result
			return nil
		})
	}

	_ = g.Wait()
	return items, ctx.Err()
}

// prefetchAnomaly embeds the unique cache-missing documents in one batched
// pass and returns their anomaly scores by fingerprint. A prefetch failure
// is not fatal; affected documents fall back to per-document scoring.
func (s *Scanner) prefetchAnomaly(ctx context.Context, docs []ml.Document) map[string]float64 {
	var (
		fingerprints []string
		texts        []string
		seen         = make(map[string]bool, len(docs))
	)
	for _, doc := range docs {
		if seen[doc.Fingerprint] {
			continue
		}
		seen[doc.Fingerprint] = true
		// Residency filter only; the real lookup happens in scan. Peek
		// keeps this from counting a second miss per cold document.
		if _, ok, err := s.store.Peek(doc.Fingerprint); err == nil && ok {
			continue
		}
		fingerprints = append(fingerprints, doc.Fingerprint)
		texts = append(texts, doc.NormalizedContent)
	}
	if len(texts) == 0 {
		return nil
	}

	scores, err := s.anomaly.ScoreBatch(ctx, texts)
	if err != nil {
		return nil
	}

	out := make(map[string]float64, len(scores))
	for i, fp := range fingerprints {
		out[fp] = scores[i]
	}
	return out
}

// Threshold exposes the configured quarantine threshold for callers mapping
// results to exit codes.
func (s *Scanner) Threshold() int {
	return s.fusion.Threshold()
}

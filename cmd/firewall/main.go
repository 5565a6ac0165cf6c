package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/varunsripad123/sentineldf/pkg/cache"
	"github.com/varunsripad123/sentineldf/pkg/config"
	"github.com/varunsripad123/sentineldf/pkg/mbom"
	"github.com/varunsripad123/sentineldf/pkg/ml"
	"github.com/varunsripad123/sentineldf/pkg/scan"
)

const Version = "0.1.0"

// Exit codes for the CLI modes. Scripts branch on these.
const (
	exitOK          = 0
	exitUsage       = 1
	exitScanFailed  = 2
	exitQuarantined = 3
)

// Engine bundles the scanning pipeline with everything that needs closing
// at shutdown.
type Engine struct {
	cfg     *config.Config
	scanner *scan.Scanner
	store   cache.Store
	closers []func() error
}

func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Printf("[WARN] shutdown: %v", err)
		}
	}
}

// NewEngine wires the pipeline from configuration. The embedding model is
// optional for the CLI: when it cannot be loaded, scanning degrades to
// heuristic-only mode with the full fusion weight on the rule table.
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	anomaly, err := newAnomalyScorer(ctx, cfg, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.scanner = scan.NewScanner(cfg, anomaly, store)
	return e, nil
}

func newStore(cfg *config.Config) (cache.Store, error) {
	if cfg.RedisURL != "" {
		store, err := cache.NewRedisStore(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("redis cache backend: %w", err)
		}
		log.Printf("[STARTUP] Result cache: redis (%s)", cfg.RedisURL)
		return store, nil
	}
	log.Printf("[STARTUP] Result cache: in-memory (ttl=%s cap=%d bytes)", cfg.CacheTTL, cfg.CacheSizeCapBytes)
	return cache.NewMemoryStore(cfg.CacheTTL, cfg.CacheSizeCapBytes), nil
}

// newAnomalyScorer loads the embedding model and fits the benign manifold.
// Load failure is not fatal here: the CLI falls back to heuristic-only
// scoring, with the fusion weights shifted so the rule table carries the
// whole decision.
func newAnomalyScorer(ctx context.Context, cfg *config.Config, e *Engine) (ml.AnomalyScorer, error) {
	embedder, err := ml.NewHugotEmbedder(ml.EmbedderConfig{
		ModelPath:       cfg.ModelPath,
		ModelName:       ml.ModelMiniLM,
		OnnxLibraryPath: cfg.OnnxLibraryPath,
	})
	if err != nil {
		log.Printf("[WARN] %v", err)
		log.Printf("[WARN] Running heuristic-only: fusion weight moved to the rule table")
		cfg.HeuristicWeight = 1.0
		cfg.EmbeddingWeight = 0.0
		return zeroAnomalyScorer{}, nil
	}
	e.closers = append(e.closers, embedder.Close)

	detector, err := ml.NewAnomalyDetector(embedder, cfg.DataDir, cfg.EmbeddingBatchSize)
	if err != nil {
		return nil, fmt.Errorf("anomaly detector: %w", err)
	}

	benign, err := loadBenignCorpus(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := detector.Fit(ctx, benign); err != nil {
		return nil, fmt.Errorf("fit benign manifold: %w", err)
	}
	return detector, nil
}

// zeroAnomalyScorer stands in when no embedding model is available. Every
// document scores 0, and the fusion weights are adjusted so this signal
// carries no weight.
type zeroAnomalyScorer struct{}

func (zeroAnomalyScorer) Score(ctx context.Context, text string) (float64, error) {
	return 0, nil
}

func (zeroAnomalyScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	return make([]float64, len(texts)), nil
}

// loadBenignCorpus reads one benign sample per line from
// <dataDir>/benign_corpus.txt, falling back to a built-in seed corpus when
// the file is absent.
func loadBenignCorpus(dataDir string) ([]string, error) {
	path := filepath.Join(dataDir, "benign_corpus.txt")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		log.Printf("[STARTUP] Benign corpus: built-in seed (%d samples); provide %s to override", len(seedBenignCorpus), path)
		return seedBenignCorpus, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open benign corpus: %w", err)
	}
	defer f.Close()

	var samples []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			samples = append(samples, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read benign corpus: %w", err)
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("benign corpus %s has %d samples, need at least 2", path, len(samples))
	}
	log.Printf("[STARTUP] Benign corpus: %s (%d samples)", path, len(samples))
	return samples, nil
}

// seedBenignCorpus anchors the anomaly manifold when no curated corpus is
// provided. Plain instructional and descriptive prose across a few domains.
var seedBenignCorpus = []string{
	"the patient was admitted with elevated blood pressure and started on a low dose of lisinopril",
	"follow up in two weeks to reassess symptoms and adjust the dosage if needed",
	"preheat the oven to 180 degrees and bake the loaf for forty minutes until golden",
	"combine the flour, butter, and sugar in a large bowl and mix until crumbly",
	"quarterly revenue grew four percent driven by strong demand in the consumer segment",
	"the committee will review the proposal at the next scheduled meeting in march",
	"water the seedlings every morning and move them into direct sunlight after two weeks",
	"the train departs from platform six at half past nine every weekday morning",
	"remember to back up the database before applying the migration to production",
	"the study enrolled two hundred participants across three clinical sites over one year",
	"customer satisfaction scores improved after the checkout flow was simplified",
	"tighten the bolts in a star pattern to seat the wheel evenly against the hub",
}

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	cfg := config.NewDefaultConfig()
	if path := os.Getenv("SENTINELDF_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			log.Fatalf("[FATAL] %v", err)
		}
	}
	cfg.MustValidate()

	switch os.Args[1] {
	case "serve":
		port := "8080"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runServer(cfg, port)
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Usage: firewall scan <file-or-directory>")
			os.Exit(exitUsage)
		}
		os.Exit(runScan(cfg, os.Args[2]))
	case "attest":
		if len(os.Args) < 4 {
			fmt.Println("Usage: firewall attest <report.json> <approver>")
			os.Exit(exitUsage)
		}
		os.Exit(runAttest(cfg, os.Args[2], os.Args[3]))
	case "validate":
		if len(os.Args) < 3 {
			fmt.Println("Usage: firewall validate <record.json | record-id>")
			os.Exit(exitUsage)
		}
		os.Exit(runValidate(cfg, os.Args[2]))
	case "version":
		fmt.Printf("SentinelDF v%s\n", Version)
		fmt.Println("Data firewall for ML training pipelines")
	default:
		printUsage()
		os.Exit(exitUsage)
	}
}

func printUsage() {
	fmt.Printf("SentinelDF v%s - data firewall for ML training pipelines\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  firewall serve [port]                 Start HTTP server (default: 8080)")
	fmt.Println("  firewall scan <file-or-dir>           Scan .txt documents, write a JSON report")
	fmt.Println("  firewall attest <report> <approver>   Sign a scan report into the ledger")
	fmt.Println("  firewall validate <record | id>       Verify an attestation record")
	fmt.Println("  firewall version                      Show version")
	fmt.Println("")
	fmt.Println("Exit codes: 0 clean, 1 usage/invalid, 2 scan errors, 3 documents quarantined")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  SENTINELDF_CONFIG            Path to a YAML config file")
	fmt.Println("  SENTINELDF_HMAC_SECRET       Secret for attestation signing (required to attest)")
	fmt.Println("  SENTINELDF_MODEL_PATH        Path to the ONNX embedding model directory")
	fmt.Println("  SENTINELDF_REDIS_URL         Redis cache backend (default: in-memory)")
	fmt.Println("  SENTINELDF_POSTGRES_URL      Postgres ledger backend (default: JSONL file)")
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

type scanRequest struct {
	Docs []struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	} `json:"docs"`
}

type scanResponse struct {
	BatchID   string            `json:"batch_id"`
	Threshold int               `json:"threshold"`
	Summary   mbom.BatchSummary `json:"summary"`
	Documents []reportEntry     `json:"documents"`
}

type attestRequest struct {
	BatchID  string               `json:"batch_id"`
	Approver string               `json:"approver"`
	Results  []ml.DetectionResult `json:"results"`
}

func runServer(cfg *config.Config, port string) {
	ctx := context.Background()

	engine, err := NewEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}
	defer engine.Close()

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}
	defer func() { _ = ledger.Close() }()

	var signer *mbom.Signer
	if cfg.HMACSecret != "" {
		signer, err = mbom.NewSigner(cfg.HMACSecret)
		if err != nil {
			log.Fatalf("[FATAL] %v", err)
		}
	} else {
		log.Printf("[WARN] No HMAC secret configured; /mbom endpoints disabled")
	}

	app := fiber.New(fiber.Config{
		AppName: "SentinelDF",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"cache": engine.store.Stats()})
	})

	app.Post("/scan", func(c fiber.Ctx) error {
		var req scanRequest
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if len(req.Docs) == 0 {
			return c.Status(400).JSON(fiber.Map{"error": "docs field is required"})
		}

		docs := make([]ml.Document, len(req.Docs))
		for i, d := range req.Docs {
			docs[i] = ml.NewDocument(d.ID, d.Content)
		}

		items, err := engine.scanner.ScanBatch(c.Context(), docs)
		if err != nil {
			return c.Status(503).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(buildScanResponse(engine.scanner.Threshold(), items))
	})

	app.Post("/mbom", func(c fiber.Ctx) error {
		if signer == nil {
			return c.Status(503).JSON(fiber.Map{"error": "attestation disabled: no HMAC secret configured"})
		}
		var req attestRequest
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.Approver == "" {
			return c.Status(400).JSON(fiber.Map{"error": "approver field is required"})
		}
		if req.BatchID == "" {
			req.BatchID = mbom.NewBatchID()
		}

		record, err := signer.Attest(req.BatchID, req.Approver, req.Results)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		if err := ledger.Append(c.Context(), record); err != nil {
			return c.Status(503).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(201).JSON(record)
	})

	app.Post("/mbom/verify", func(c fiber.Ctx) error {
		if signer == nil {
			return c.Status(503).JSON(fiber.Map{"error": "attestation disabled: no HMAC secret configured"})
		}
		var record mbom.AttestationRecord
		if err := c.Bind().Body(&record); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		return c.JSON(fiber.Map{
			"record_id": record.RecordID,
			"outcome":   signer.Validate(record),
		})
	})

	log.Printf("[STARTUP] SentinelDF HTTP server starting on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health       - Health check")
	log.Printf("  GET  /stats        - Cache statistics")
	log.Printf("  POST /scan         - Screen a batch of documents")
	log.Printf("  POST /mbom         - Sign an attestation record into the ledger")
	log.Printf("  POST /mbom/verify  - Verify an attestation record")

	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// CLI Modes
// ============================================================================

type scanReport struct {
	BatchID     string            `json:"batch_id"`
	GeneratedAt string            `json:"generated_at"`
	Threshold   int               `json:"threshold"`
	Summary     mbom.BatchSummary `json:"summary"`
	Documents   []reportEntry     `json:"documents"`
}

type reportEntry struct {
	ID     string              `json:"id"`
	Result *ml.DetectionResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func runScan(cfg *config.Config, path string) int {
	ctx := context.Background()

	docs, err := collectDocuments(path)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}
	if len(docs) == 0 {
		log.Printf("[FATAL] No .txt documents found under %s", path)
		return exitUsage
	}

	engine, err := NewEngine(ctx, cfg)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}
	defer engine.Close()

	items, err := engine.scanner.ScanBatch(ctx, docs)
	if err != nil {
		log.Printf("[FATAL] Batch aborted: %v", err)
		return exitScanFailed
	}

	response := buildScanResponse(engine.scanner.Threshold(), items)
	report := scanReport{
		BatchID:     response.BatchID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Threshold:   response.Threshold,
		Summary:     response.Summary,
		Documents:   response.Documents,
	}

	reportPath := filepath.Join(filepath.Dir(cfg.LedgerPath), "scan_"+report.BatchID+".json")
	if err := writeJSONFile(reportPath, report); err != nil {
		log.Printf("[FATAL] %v", err)
		return exitScanFailed
	}

	failed := 0
	for _, entry := range report.Documents {
		if entry.Error != "" {
			failed++
			log.Printf("[WARN] %s: %s", entry.ID, entry.Error)
		}
	}

	fmt.Printf("Scanned %d documents: %d allowed, %d quarantined, %d failed\n",
		report.Summary.DocumentCount, report.Summary.AllowedCount, report.Summary.QuarantinedCount, failed)
	fmt.Printf("Report written to %s\n", reportPath)

	if report.Summary.QuarantinedCount > 0 {
		return exitQuarantined
	}
	if failed > 0 {
		return exitScanFailed
	}
	return exitOK
}

func runAttest(cfg *config.Config, reportPath, approver string) int {
	ctx := context.Background()

	signer, err := mbom.NewSigner(cfg.HMACSecret)
	if err != nil {
		log.Printf("[FATAL] %v (set SENTINELDF_HMAC_SECRET)", err)
		return exitUsage
	}

	var report scanReport
	if err := readJSONFile(reportPath, &report); err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}

	results := make([]ml.DetectionResult, 0, len(report.Documents))
	for _, entry := range report.Documents {
		if entry.Result != nil {
			results = append(results, *entry.Result)
		}
	}

	record, err := signer.Attest(report.BatchID, approver, results)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}
	defer func() { _ = ledger.Close() }()

	if err := ledger.Append(ctx, record); err != nil {
		log.Printf("[FATAL] %v", err)
		return exitUsage
	}

	printJSON(record)
	return exitOK
}

// runValidate verifies one attestation record, read from a JSON file when the
// argument names one, otherwise looked up in the ledger by record ID.
func runValidate(cfg *config.Config, arg string) int {
	ctx := context.Background()

	signer, err := mbom.NewSigner(cfg.HMACSecret)
	if err != nil {
		log.Printf("[FATAL] %v (set SENTINELDF_HMAC_SECRET)", err)
		return exitUsage
	}

	var record mbom.AttestationRecord
	if _, statErr := os.Stat(arg); statErr == nil {
		if err := readJSONFile(arg, &record); err != nil {
			log.Printf("[FATAL] %v", err)
			return exitUsage
		}
	} else {
		ledger, err := newLedger(ctx, cfg)
		if err != nil {
			log.Printf("[FATAL] %v", err)
			return exitUsage
		}
		defer func() { _ = ledger.Close() }()

		record, err = ledger.Get(ctx, arg)
		if err != nil {
			log.Printf("[FATAL] %v", err)
			return exitUsage
		}
	}

	outcome := signer.Validate(record)
	fmt.Printf("%s: %s\n", record.RecordID, outcome)
	if outcome != mbom.OutcomeValid {
		return exitUsage
	}
	return exitOK
}

// ============================================================================
// Helpers
// ============================================================================

func newLedger(ctx context.Context, cfg *config.Config) (mbom.Ledger, error) {
	if cfg.PostgresURL != "" {
		ledger, err := mbom.NewPostgresLedger(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger backend: %w", err)
		}
		return ledger, nil
	}
	return mbom.NewFileLedger(cfg.LedgerPath)
}

// collectDocuments reads .txt files from a file or directory tree. Document
// IDs are paths relative to the scan root, so reports stay stable across
// machines.
func collectDocuments(root string) ([]ml.Document, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}

	var paths []string
	if info.IsDir() {
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".txt") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
		sort.Strings(paths)
	} else {
		paths = []string{root}
	}

	docs := make([]ml.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		id := path
		if info.IsDir() {
			if rel, relErr := filepath.Rel(root, path); relErr == nil {
				id = rel
			}
		}
		docs = append(docs, ml.NewDocument(id, string(data)))
	}
	return docs, nil
}

func buildScanResponse(threshold int, items []scan.BatchItem) scanResponse {
	batchID := mbom.NewBatchID()
	entries := make([]reportEntry, len(items))
	results := make([]ml.DetectionResult, 0, len(items))
	for i, item := range items {
		entries[i] = reportEntry{ID: item.Document.ID}
		if item.Err != nil {
			entries[i].Error = item.Err.Error()
			continue
		}
		result := item.Result
		entries[i].Result = &result
		results = append(results, result)
	}
	return scanResponse{
		BatchID:   batchID,
		Threshold: threshold,
		Summary:   mbom.Summarize(batchID, results),
		Documents: entries,
	}
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

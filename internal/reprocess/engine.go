// Package reprocess orchestrates bounded re-extraction of a document
// range under a target algorithm version, producing before/after quality
// comparisons for human review. It never promotes: that is a separate,
// deliberate registry call.
package reprocess

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/extract"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/rawstore"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
)

// ErrBadRange is returned for a malformed year range.
var ErrBadRange = eris.New("reprocess: invalid year range")

// Engine runs reprocessing jobs.
type Engine struct {
	raw        rawstore.Store
	extractors *extract.Registry
	versions   *version.Registry
	artifacts  store.ArtifactStore
	jobs       store.JobStore
	cfg        config.ReprocessConfig

	nowFunc func() time.Time // test injection
}

// NewEngine creates an Engine.
func NewEngine(
	raw rawstore.Store,
	extractors *extract.Registry,
	versions *version.Registry,
	artifacts store.ArtifactStore,
	jobs store.JobStore,
	cfg config.ReprocessConfig,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.RegressionTolerance <= 0 {
		cfg.RegressionTolerance = 0.02
	}
	return &Engine{
		raw:        raw,
		extractors: extractors,
		versions:   versions,
		artifacts:  artifacts,
		jobs:       jobs,
		cfg:        cfg,
		nowFunc:    time.Now,
	}
}

// RunOpts selects what to reprocess.
type RunOpts struct {
	SourceID      string
	EntityType    string
	Range         model.YearRange
	TargetVersion string
	DryRun        bool

	// Workers overrides the configured pool width when positive.
	Workers int

	// BatchSize overrides the configured batch size when positive.
	BatchSize int
}

// docOutcome is one worker's result.
type docOutcome struct {
	ref        model.DocumentRef
	confidence map[string]float64
	err        error
}

// Run executes a reprocessing job. Documents are re-extracted on a
// bounded worker pool; per-document failures are collected, not fatal.
// Cancelling ctx stops the batch between documents; artifacts already
// written stay (writes are idempotent, the run is resumable).
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*model.RunResult, error) {
	if !opts.Range.Valid() {
		return nil, eris.Wrapf(ErrBadRange, "[%d, %d]", opts.Range.From, opts.Range.To)
	}
	target, err := e.versions.Get(ctx, opts.EntityType, opts.TargetVersion)
	if err != nil {
		return nil, err
	}
	extractor, err := e.extractors.Get(opts.EntityType, opts.TargetVersion)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "reprocess"),
		zap.String("entity_type", opts.EntityType),
		zap.String("target_version", opts.TargetVersion),
	)

	candidates, err := e.enumerate(ctx, opts)
	if err != nil {
		return nil, err
	}
	log.Info("candidates enumerated",
		zap.Int("count", len(candidates)),
		zap.Int("from_year", opts.Range.From),
		zap.Int("to_year", opts.Range.To),
	)

	if opts.DryRun {
		return &model.RunResult{DryRun: true, Candidates: len(candidates)}, nil
	}

	baseline := e.baselineFor(ctx, opts.EntityType, target.Version)

	job := model.ReprocessingJob{
		JobID:         uuid.NewString(),
		EntityType:    opts.EntityType,
		Range:         opts.Range,
		TargetVersion: opts.TargetVersion,
		Status:        model.JobRunning,
		StartedAt:     e.nowFunc().UTC(),
	}
	if baseline != nil {
		job.BaselineVersion = baseline.Version
	}
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "reprocess: create job")
	}

	// Candidates are dispatched in batches; cancellation is checked
	// between batches, so a batch is also the cancellation grain.
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	var outcomes []docOutcome
	for start := 0; start < len(candidates); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+batchSize, len(candidates))
		outcomes = append(outcomes, e.processBatch(ctx, extractor, candidates[start:end], opts)...)
	}

	result := &model.RunResult{
		JobID:      job.JobID,
		Candidates: len(candidates),
	}
	var confidences []map[string]float64
	for _, out := range outcomes {
		if out.err == nil {
			result.Succeeded++
			confidences = append(confidences, out.confidence)
			continue
		}
		result.Failed++
		if recErr := e.jobs.AddFailedDocument(ctx, model.FailedDocument{
			JobID:      job.JobID,
			DocumentID: out.ref.DocumentID,
			Error:      out.err.Error(),
			ErrorType:  resilience.ClassifyError(out.err),
			FailedAt:   e.nowFunc().UTC(),
		}); recErr != nil {
			log.Warn("failed to record failed document",
				zap.String("document_id", out.ref.DocumentID), zap.Error(recErr))
		}
	}

	result.Metrics = meanFieldConfidence(confidences)
	if result.Succeeded > 0 {
		if err := e.versions.RecordMetrics(ctx, opts.EntityType, opts.TargetVersion, result.Metrics, result.Succeeded); err != nil {
			return nil, eris.Wrap(err, "reprocess: record metrics")
		}
	}
	if baseline != nil && len(baseline.QualityMetrics) > 0 {
		result.Comparison = e.compare(baseline, opts.TargetVersion, result.Metrics)
	}

	now := e.nowFunc().UTC()
	job.Status = model.JobCompleted
	job.Succeeded = result.Succeeded
	job.Failed = result.Failed
	job.CompletedAt = &now
	if ctxErr := ctx.Err(); ctxErr != nil {
		job.Status = model.JobFailed
		job.Error = "cancelled mid-batch"
	}
	if err := e.jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, eris.Wrap(err, "reprocess: finalize job")
	}

	log.Info("run finished",
		zap.String("job_id", job.JobID),
		zap.String("status", string(job.Status)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// enumerate lists candidate documents year by year. Partitions the
// source has not published are skipped, not errors.
func (e *Engine) enumerate(ctx context.Context, opts RunOpts) ([]model.DocumentRef, error) {
	var out []model.DocumentRef
	for year := opts.Range.From; year <= opts.Range.To; year++ {
		refs, err := e.raw.ListDocuments(ctx, opts.SourceID, strconv.Itoa(year))
		if eris.Is(err, rawstore.ErrPartitionNotAvailable) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "reprocess: list documents for %d", year)
		}
		for _, ref := range refs {
			if ref.FilingYear == 0 || opts.Range.Contains(ref.FilingYear) {
				out = append(out, ref)
			}
		}
	}
	return out, nil
}

// processBatch fans the candidates out over the worker pool. The pool
// width is the runtime-configured value; each worker handles whole
// documents, and a document's failure lands in its outcome instead of
// cancelling the group.
func (e *Engine) processBatch(ctx context.Context, extractor extract.Extractor, candidates []model.DocumentRef, opts RunOpts) []docOutcome {
	workers := opts.Workers
	if workers <= 0 {
		workers = e.cfg.Workers
	}

	var (
		mu       sync.Mutex
		outcomes []docOutcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, ref := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := docOutcome{ref: ref}
			out.confidence, out.err = e.processDocument(gctx, extractor, ref, opts.TargetVersion)

			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return outcomes
}

func (e *Engine) processDocument(ctx context.Context, extractor extract.Extractor, ref model.DocumentRef, targetVersion string) (map[string]float64, error) {
	raw, err := e.raw.GetDocument(ctx, ref)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", ref.DocumentID)
	}

	extraction, err := extractor.Extract(ctx, ref, raw)
	if err != nil {
		return nil, err
	}

	artifact := model.VersionedArtifact{
		Key: model.ArtifactKey{
			EntityType: extractor.EntityType(),
			Version:    targetVersion,
			DocumentID: ref.DocumentID,
		},
		Payload:         extraction.Fields,
		FieldConfidence: extraction.FieldConfidence,
		Confidence:      extraction.OverallConfidence(),
		CreatedAt:       e.nowFunc().UTC(),
	}
	if err := e.artifacts.PutArtifact(ctx, artifact); err != nil {
		return nil, eris.Wrapf(err, "store artifact %s", ref.DocumentID)
	}
	return extraction.FieldConfidence, nil
}

// baselineFor returns the production version when it differs from the
// target; comparing a version against itself is meaningless.
func (e *Engine) baselineFor(ctx context.Context, entityType, targetVersion string) *model.ExtractionVersion {
	prod, err := e.versions.GetProduction(ctx, entityType)
	if err != nil || prod.Version == targetVersion {
		return nil
	}
	return prod
}

// compare builds the per-field report against the baseline's recorded
// metrics. Regressions is always non-nil so "no regressions" reads as an
// explicit empty list.
func (e *Engine) compare(baseline *model.ExtractionVersion, targetVersion string, metrics map[string]float64) *model.ComparisonReport {
	report := &model.ComparisonReport{
		BaselineVersion: baseline.Version,
		NewVersion:      targetVersion,
		Regressions:     []model.FieldDelta{},
	}

	// Walk the union of both field sets: a field the candidate stopped
	// extracting is the largest possible drop, not a gap in the report.
	seen := make(map[string]struct{}, len(metrics)+len(baseline.QualityMetrics))
	fields := make([]string, 0, len(metrics)+len(baseline.QualityMetrics))
	for field := range metrics {
		seen[field] = struct{}{}
		fields = append(fields, field)
	}
	for field := range baseline.QualityMetrics {
		if _, ok := seen[field]; !ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	for _, field := range fields {
		newScore := metrics[field]
		baseScore, measured := baseline.QualityMetrics[field]
		if !measured {
			report.NewExtractionsCount++
			continue
		}
		delta := model.FieldDelta{
			Field:    field,
			Baseline: baseScore,
			New:      newScore,
			Delta:    newScore - baseScore,
		}
		report.PerFieldDelta = append(report.PerFieldDelta, delta)
		if baseScore-newScore > e.cfg.RegressionTolerance {
			report.Regressions = append(report.Regressions, delta)
		}
	}
	return report
}

func meanFieldConfidence(samples []map[string]float64) map[string]float64 {
	if len(samples) == 0 {
		return nil
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, sample := range samples {
		for field, score := range sample {
			sums[field] += score
			counts[field]++
		}
	}
	out := make(map[string]float64, len(sums))
	for field, sum := range sums {
		out[field] = sum / float64(counts[field])
	}
	return out
}

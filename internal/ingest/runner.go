// Package ingest runs the normal ingestion path end to end: change
// detection, extraction under the production version, artifact storage,
// dimension maintenance, and the quality gate. The watermark is
// committed only after everything downstream succeeded.
package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/extract"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/quality"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/rawstore"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/store"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/watermark"
)

// Filing documents name their filer and date under these fields;
// observations for dimension history are derived from them.
const (
	naturalKeyField    = "filer"
	effectiveDateField = "filing_date"
)

// Runner executes ingestion for one source/entity pairing.
type Runner struct {
	tracker    *watermark.Tracker
	raw        rawstore.Store
	extractors *extract.Registry
	versions   *version.Registry
	artifacts  store.ArtifactStore
	dims       *dimension.Manager
	gate       *quality.Gate
}

// NewRunner creates a Runner.
func NewRunner(
	tracker *watermark.Tracker,
	raw rawstore.Store,
	extractors *extract.Registry,
	versions *version.Registry,
	artifacts store.ArtifactStore,
	dims *dimension.Manager,
	gate *quality.Gate,
) *Runner {
	return &Runner{
		tracker:    tracker,
		raw:        raw,
		extractors: extractors,
		versions:   versions,
		artifacts:  artifacts,
		dims:       dims,
		gate:       gate,
	}
}

// Summary aggregates one ingest run.
type Summary struct {
	Partitions   int `json:"partitions"`
	Skipped      int `json:"skipped"`
	Documents    int `json:"documents"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Observations int `json:"observations"`
}

// Run ingests the given partitions of sourceID as entityType. Force
// bypasses change detection but never the quality gate. Partitions that
// need no work are skipped; a partition's marker commits only after its
// documents are stored, observations applied, and the gate passed.
func (r *Runner) Run(ctx context.Context, sourceID, entityType string, partitions []string, force bool) (*Summary, error) {
	prod, err := r.versions.GetProduction(ctx, entityType)
	if err != nil {
		return nil, err
	}
	extractor, err := r.extractors.Get(entityType, prod.Version)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("source", sourceID),
		zap.String("entity_type", entityType),
		zap.String("version", prod.Version),
	)

	summary := &Summary{}
	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Partitions++

		decision, err := r.tracker.CheckForUpdates(ctx, sourceID, partition)
		if err != nil {
			return summary, err
		}
		if !decision.NeedsProcessing && !force {
			log.Info("partition skipped",
				zap.String("partition", partition),
				zap.String("reason", string(decision.Reason)),
			)
			summary.Skipped++
			continue
		}
		if decision.ScopeMarker == "" {
			// Forced run over an unchanged partition: re-read the
			// marker so the commit below has something to write.
			if decision.ScopeMarker, err = r.raw.Fingerprint(ctx, sourceID, partition); err != nil {
				return summary, err
			}
		}

		if err := r.ingestPartition(ctx, log, extractor, prod.Version, sourceID, partition, summary); err != nil {
			return summary, err
		}

		if _, err := r.gate.Enforce(ctx, entityType); err != nil {
			// Leave the marker untouched: the next run redoes this
			// partition instead of silently skipping blocked data.
			return summary, err
		}

		if err := r.tracker.Commit(ctx, sourceID, partition, decision.ScopeMarker); err != nil {
			return summary, err
		}
		log.Info("partition committed",
			zap.String("partition", partition),
			zap.String("marker", decision.ScopeMarker),
		)
	}
	return summary, nil
}

func (r *Runner) ingestPartition(
	ctx context.Context,
	log *zap.Logger,
	extractor extract.Extractor,
	ver, sourceID, partition string,
	summary *Summary,
) error {
	refs, err := r.raw.ListDocuments(ctx, sourceID, partition)
	if err != nil {
		return eris.Wrapf(err, "ingest: list %s/%s", sourceID, partition)
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.Documents++

		if err := r.ingestDocument(ctx, extractor, ver, ref, summary); err != nil {
			var failure *extract.Failure
			if eris.As(err, &failure) {
				// Unparseable documents are recorded and skipped, the
				// same partial-failure posture as reprocessing.
				log.Warn("document failed extraction",
					zap.String("document_id", ref.DocumentID),
					zap.String("reason", failure.Reason),
				)
				summary.Failed++
				continue
			}
			return err
		}
		summary.Succeeded++
	}
	return nil
}

func (r *Runner) ingestDocument(ctx context.Context, extractor extract.Extractor, ver string, ref model.DocumentRef, summary *Summary) error {
	raw, err := r.raw.GetDocument(ctx, ref)
	if err != nil {
		return eris.Wrapf(err, "ingest: fetch %s", ref.DocumentID)
	}
	extraction, err := extractor.Extract(ctx, ref, raw)
	if err != nil {
		return err
	}

	if err := r.artifacts.PutArtifact(ctx, model.VersionedArtifact{
		Key: model.ArtifactKey{
			EntityType: extractor.EntityType(),
			Version:    ver,
			DocumentID: ref.DocumentID,
		},
		Payload:         extraction.Fields,
		FieldConfidence: extraction.FieldConfidence,
		Confidence:      extraction.OverallConfidence(),
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		return eris.Wrapf(err, "ingest: store artifact %s", ref.DocumentID)
	}

	obs, ok := observationFrom(extractor.EntityType(), ref, extraction)
	if !ok {
		return nil
	}
	if _, err := r.dims.Apply(ctx, obs); err != nil {
		if eris.Is(err, dimension.ErrOutOfOrderUpdate) {
			// Filings can arrive out of order across partitions; the
			// history already reflects a later observation.
			zap.L().Debug("stale observation ignored",
				zap.String("natural_key", obs.NaturalKey),
				zap.String("document_id", ref.DocumentID),
			)
			return nil
		}
		return eris.Wrapf(err, "ingest: apply observation from %s", ref.DocumentID)
	}
	summary.Observations++
	return nil
}

// observationFrom derives a dimension observation from an extraction.
// String-valued fields become attributes; documents without a filer
// field carry no observation.
func observationFrom(entityType string, ref model.DocumentRef, extraction *model.Extraction) (model.Observation, bool) {
	naturalKey, _ := extraction.Fields[naturalKeyField].(string)
	if naturalKey == "" {
		return model.Observation{}, false
	}

	effective := time.Date(ref.FilingYear, 1, 1, 0, 0, 0, 0, time.UTC)
	if raw, ok := extraction.Fields[effectiveDateField].(string); ok {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			effective = parsed.UTC()
		}
	}

	attrs := make(map[string]string)
	for name, val := range extraction.Fields {
		if name == naturalKeyField || name == effectiveDateField {
			continue
		}
		if s, ok := val.(string); ok {
			attrs[name] = s
		}
	}
	if len(attrs) == 0 {
		return model.Observation{}, false
	}

	return model.Observation{
		EntityType:    entityType,
		NaturalKey:    naturalKey,
		Attributes:    attrs,
		EffectiveDate: effective,
	}, true
}

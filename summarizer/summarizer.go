// Package summarizer flattens assessment result payloads into
// column-to-value maps for tabular export. Each supported assessment
// framework gets its own Summarizer variant; dispatch happens through a
// registry keyed by framework identifier, so new frameworks can be added
// without touching dispatch logic.
package summarizer

import (
	"studydata/domain/study"
	apperrors "studydata/pkg/errors"

	"go.uber.org/zap"
)

// Summarizer flattens the results of one assessment.
type Summarizer interface {
	// ResultFilename is the name of the flattened result file.
	ResultFilename() string

	// CanSummarize reports whether this summarizer understands the
	// assessment. Callers must dispatch to a summarizer that accepts the
	// assessment; Summarize on a mismatched one is a precondition
	// violation.
	CanSummarize(assessment *study.Assessment) bool

	// Summarize decodes the result payload and flattens it into a map
	// from column name to string value.
	Summarize(resultJSON []byte) (map[string]string, error)

	// ColumnNames enumerates the full column set, in order, available
	// even before any result exists.
	ColumnNames() []string
}

// Factory builds a Summarizer for one assessment.
type Factory func(assessment *study.Assessment, logger *zap.Logger) (Summarizer, error)

// Registry maps framework identifiers to summarizer factories.
type Registry struct {
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates a Registry with the survey framework pre-registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
	r.Register(SurveyFramework, NewSurveySummarizer)
	return r
}

// Register adds a factory for a framework identifier, replacing any
// existing registration.
func (r *Registry) Register(frameworkID string, factory Factory) {
	r.factories[frameworkID] = factory
}

// ForAssessment builds the summarizer for the assessment's framework.
// Returns a not-found error when no factory is registered for it.
func (r *Registry) ForAssessment(assessment *study.Assessment) (Summarizer, error) {
	factory, ok := r.factories[assessment.FrameworkIdentifier]
	if !ok {
		return nil, apperrors.NewNotFoundError(
			"summarizer for framework " + assessment.FrameworkIdentifier)
	}
	return factory(assessment, r.logger)
}

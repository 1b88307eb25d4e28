package summarizer

import (
	"encoding/json"

	"studydata/domain/study"
	apperrors "studydata/pkg/errors"

	"go.uber.org/zap"
)

// SurveyFramework is the framework identifier of survey-style assessments
// whose results this summarizer understands.
const SurveyFramework = "healthresearch.survey.v1"

// surveyConfig is the assessment's serialized configuration: a tree of
// steps, where question-type steps define the result columns.
type surveyConfig struct {
	Identifier string       `json:"identifier"`
	Steps      []surveyStep `json:"steps"`
}

type surveyStep struct {
	Identifier string       `json:"identifier"`
	Type       string       `json:"type"`
	Steps      []surveyStep `json:"steps,omitempty"`
}

// surveyResultNode is one node of the decoded answer tree. Nodes carrying
// a value are answers; the rest are grouping sections.
type surveyResultNode struct {
	Identifier string             `json:"identifier"`
	Value      json.RawMessage    `json:"value,omitempty"`
	Children   []surveyResultNode `json:"children,omitempty"`
}

type surveyResult struct {
	AssessmentIdentifier string             `json:"assessmentIdentifier"`
	StepHistory          []surveyResultNode `json:"stepHistory"`
}

// SurveySummarizer flattens survey assessment results. The assessment's
// configuration, when present, enumerates the expected columns; result
// columns outside that set are logged and kept, not rejected, so that
// schema evolution on the assessment side doesn't drop data.
type SurveySummarizer struct {
	assessment  *study.Assessment
	columnNames []string
	expected    map[string]struct{}
	logger      *zap.Logger
}

// NewSurveySummarizer builds a SurveySummarizer for the given assessment,
// decoding its configuration payload when one is present.
func NewSurveySummarizer(assessment *study.Assessment, logger *zap.Logger) (Summarizer, error) {
	s := &SurveySummarizer{
		assessment: assessment,
		expected:   make(map[string]struct{}),
		logger:     logger,
	}

	if len(assessment.Config) > 0 {
		var cfg surveyConfig
		if err := json.Unmarshal(assessment.Config, &cfg); err != nil {
			return nil, apperrors.NewDeserializationError(
				"decode survey config for assessment "+assessment.GUID, err)
		}
		s.collectColumns(cfg.Steps)
	}
	return s, nil
}

// collectColumns flattens the step tree into the ordered column list.
func (s *SurveySummarizer) collectColumns(steps []surveyStep) {
	for _, step := range steps {
		if step.Type == "question" && step.Identifier != "" {
			s.columnNames = append(s.columnNames, step.Identifier)
			s.expected[step.Identifier] = struct{}{}
		}
		s.collectColumns(step.Steps)
	}
}

// ResultFilename is the name of the flattened result file.
func (s *SurveySummarizer) ResultFilename() string {
	return s.assessment.Identifier + ".csv"
}

// CanSummarize accepts assessments tagged with the survey framework.
func (s *SurveySummarizer) CanSummarize(assessment *study.Assessment) bool {
	return assessment != nil && assessment.FrameworkIdentifier == SurveyFramework
}

// Summarize decodes the result payload into the answer tree and flattens
// it into column-to-value pairs.
func (s *SurveySummarizer) Summarize(resultJSON []byte) (map[string]string, error) {
	var result surveyResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, apperrors.NewDeserializationError(
			"decode survey result for assessment "+s.assessment.GUID, err)
	}

	columns := make(map[string]string)
	s.flatten(result.StepHistory, columns)

	// Columns the config doesn't know about are kept. The assessment may
	// have been revised since this result was recorded.
	if len(s.expected) > 0 {
		for name := range columns {
			if _, ok := s.expected[name]; !ok {
				s.logger.Warn("Survey result has unexpected column",
					zap.String("assessmentGuid", s.assessment.GUID),
					zap.String("column", name),
				)
			}
		}
	}
	return columns, nil
}

func (s *SurveySummarizer) flatten(nodes []surveyResultNode, columns map[string]string) {
	for _, node := range nodes {
		if node.Value != nil && node.Identifier != "" {
			columns[node.Identifier] = renderValue(node.Value)
		}
		s.flatten(node.Children, columns)
	}
}

// ColumnNames enumerates the columns declared by the assessment config,
// in declaration order. Empty when the assessment has no config.
func (s *SurveySummarizer) ColumnNames() []string {
	return s.columnNames
}

// renderValue renders an answer value as a cell string. JSON strings are
// unquoted; everything else (numbers, booleans, arrays) keeps its compact
// JSON form.
func renderValue(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

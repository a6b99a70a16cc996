// Package samplecode expands per-project code rules into sample identifiers and
// recovers structured metadata from a generated identifier.
package samplecode

import (
	"errors"
	"fmt"
)

// ElementID is one semantic token of a sample code.
type ElementID string

const (
	ElementSponsorCode ElementID = "sponsor_code"
	ElementLabCode     ElementID = "lab_code"
	ElementClinicCode  ElementID = "clinic_code"
	ElementSubjectID   ElementID = "subject_id"
	ElementTestType    ElementID = "test_type"
	ElementSampleSeq   ElementID = "sample_seq"
	ElementSampleTime  ElementID = "sample_time"
	ElementCycleGroup  ElementID = "cycle_group"
	ElementSampleType  ElementID = "sample_type"
)

// Dictionary names understood by the generator.
const (
	DictCycles             = "cycles"
	DictTestTypes          = "test_types"
	DictPrimaryTypes       = "primary_types"
	DictBackupTypes        = "backup_types"
	DictClinicCodes        = "clinic_codes"
	DictSubjects           = "subjects"
	DictSeqTimePairs       = "seq_time_pairs"
	DictClinicSubjectPairs = "clinic_subject_pairs"
)

// DefaultSeparator is placed after an element with no configured separator.
const DefaultSeparator = "-"

// ErrConfiguration reports a code schema that cannot generate or parse codes.
var ErrConfiguration = errors.New("invalid code schema")

var knownElements = map[ElementID]bool{
	ElementSponsorCode: true,
	ElementLabCode:     true,
	ElementClinicCode:  true,
	ElementSubjectID:   true,
	ElementTestType:    true,
	ElementSampleSeq:   true,
	ElementSampleTime:  true,
	ElementCycleGroup:  true,
	ElementSampleType:  true,
}

// CodeSchema is the immutable code rule of one project.
type CodeSchema struct {
	elements     []ElementID
	separators   map[ElementID]string
	dictionaries map[string][]string
	sponsorCode  string
	labCode      string
}

// SchemaOption configures project identity on a CodeSchema.
type SchemaOption func(*CodeSchema)

// WithSponsorCode sets the literal rendered for sponsor_code.
func WithSponsorCode(code string) SchemaOption {
	return func(s *CodeSchema) {
		s.sponsorCode = code
	}
}

// WithLabCode sets the literal rendered for lab_code.
func WithLabCode(code string) SchemaOption {
	return func(s *CodeSchema) {
		s.labCode = code
	}
}

// NewSchema validates and copies its inputs. A missing separator entry means
// DefaultSeparator; an explicit "" means the values are concatenated.
func NewSchema(elements []ElementID, separators map[ElementID]string, dictionaries map[string][]string, opts ...SchemaOption) (*CodeSchema, error) {
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: no elements", ErrConfiguration)
	}

	seen := make(map[ElementID]bool, len(elements))
	for _, id := range elements {
		if !knownElements[id] {
			return nil, fmt.Errorf("%w: unknown element %q", ErrConfiguration, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate element %q", ErrConfiguration, id)
		}
		seen[id] = true
	}

	s := &CodeSchema{
		elements:     append([]ElementID(nil), elements...),
		separators:   make(map[ElementID]string, len(separators)),
		dictionaries: make(map[string][]string, len(dictionaries)),
	}
	for id, sep := range separators {
		s.separators[id] = sep
	}
	for name, values := range dictionaries {
		s.dictionaries[name] = normalize(values)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Elements returns the element order.
func (s *CodeSchema) Elements() []ElementID {
	return append([]ElementID(nil), s.elements...)
}

// Separator returns the delimiter written after element id.
func (s *CodeSchema) Separator(id ElementID) string {
	if sep, ok := s.separators[id]; ok {
		return sep
	}
	return DefaultSeparator
}

// Dictionary returns the candidate values of a named dictionary.
func (s *CodeSchema) Dictionary(name string) []string {
	return append([]string(nil), s.dictionaries[name]...)
}

// SponsorCode returns the project's sponsor literal.
func (s *CodeSchema) SponsorCode() string { return s.sponsorCode }

// LabCode returns the project's lab literal.
func (s *CodeSchema) LabCode() string { return s.labCode }

func (s *CodeSchema) valid() error {
	if s == nil || len(s.elements) == 0 {
		return fmt.Errorf("%w: no elements", ErrConfiguration)
	}
	return nil
}

package samplecode

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// List is a dictionary selection. It decodes from either a JSON/YAML list or a
// comma-separated string; both normalize identically.
type List []string

// SplitList splits a comma-separated string, trimming tokens and dropping
// empty ones.
func SplitList(s string) List {
	return List(normalize(strings.Split(s, ",")))
}

func (l *List) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*l = nil
	case string:
		*l = SplitList(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch x := item.(type) {
			case string:
				out = append(out, x)
			case float64, bool:
				out = append(out, fmt.Sprint(x))
			case nil:
			default:
				return fmt.Errorf("unsupported list item %T", item)
			}
		}
		*l = List(normalize(out))
	default:
		return fmt.Errorf("unsupported list value %T", raw)
	}
	return nil
}

func (l *List) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = SplitList(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = List(normalize(items))
		return nil
	}
	return fmt.Errorf("line %d: list must be a string or a sequence", value.Line)
}

// ClinicSubject pairs a clinic code with a subject id.
type ClinicSubject struct {
	Clinic  string `json:"clinic" yaml:"clinic"`
	Subject string `json:"subject" yaml:"subject"`
}

// SeqTime pairs a collection sequence with a collection time.
type SeqTime struct {
	Seq  string `json:"seq" yaml:"seq"`
	Time string `json:"time" yaml:"time"`
}

// SeqTimes decodes from a list of {seq,time} objects or a "seq/time,seq/time"
// string.
type SeqTimes []SeqTime

// ParseSeqTimes parses "seq/time" tokens separated by commas. A token without
// "/" is a sequence with no time.
func ParseSeqTimes(s string) SeqTimes {
	var out SeqTimes
	for _, tok := range SplitList(s) {
		seq, tm, _ := strings.Cut(tok, "/")
		out = append(out, SeqTime{Seq: strings.TrimSpace(seq), Time: strings.TrimSpace(tm)})
	}
	return out
}

func (p *SeqTimes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParseSeqTimes(s)
		return nil
	}
	var pairs []SeqTime
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*p = pairs
	return nil
}

func (p *SeqTimes) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*p = ParseSeqTimes(value.Value)
		return nil
	case yaml.SequenceNode:
		var pairs []SeqTime
		if err := value.Decode(&pairs); err != nil {
			return err
		}
		*p = pairs
		return nil
	}
	return fmt.Errorf("line %d: seq_time_pairs must be a string or a sequence", value.Line)
}

// SelectionParams is the caller's choice of dictionary values for one
// generation call. Axes left empty fall back to the schema dictionary of the
// same name, then to a single empty placeholder.
type SelectionParams struct {
	Cycles             List            `json:"cycles,omitempty" yaml:"cycles,omitempty"`
	TestTypes          List            `json:"test_types,omitempty" yaml:"test_types,omitempty"`
	PrimaryTypes       List            `json:"primary_types,omitempty" yaml:"primary_types,omitempty"`
	BackupTypes        List            `json:"backup_types,omitempty" yaml:"backup_types,omitempty"`
	ClinicCodes        List            `json:"clinic_codes,omitempty" yaml:"clinic_codes,omitempty"`
	Subjects           List            `json:"subjects,omitempty" yaml:"subjects,omitempty"`
	ClinicSubjectPairs []ClinicSubject `json:"clinic_subject_pairs,omitempty" yaml:"clinic_subject_pairs,omitempty"`
	SeqTimePairs       SeqTimes        `json:"seq_time_pairs,omitempty" yaml:"seq_time_pairs,omitempty"`
}

// axes is a fully defaulted selection.
type axes struct {
	pairs       []ClinicSubject
	testTypes   []string
	seqTimes    []SeqTime
	cycles      []string
	sampleTypes []string
}

func resolve(s *CodeSchema, sel SelectionParams) axes {
	pick := func(l List, dict string) []string {
		if v := normalize(l); len(v) > 0 {
			return v
		}
		return s.dictionaries[dict]
	}
	orEmpty := func(v []string) []string {
		if len(v) == 0 {
			return []string{""}
		}
		return v
	}

	var a axes

	a.pairs = trimPairs(sel.ClinicSubjectPairs)
	if len(a.pairs) == 0 {
		for _, tok := range s.dictionaries[DictClinicSubjectPairs] {
			clinic, subject, _ := strings.Cut(tok, "/")
			a.pairs = append(a.pairs, ClinicSubject{Clinic: strings.TrimSpace(clinic), Subject: strings.TrimSpace(subject)})
		}
	}
	if len(a.pairs) == 0 {
		for _, clinic := range orEmpty(pick(sel.ClinicCodes, DictClinicCodes)) {
			for _, subject := range orEmpty(pick(sel.Subjects, DictSubjects)) {
				a.pairs = append(a.pairs, ClinicSubject{Clinic: clinic, Subject: subject})
			}
		}
	}

	a.seqTimes = trimSeqTimes(sel.SeqTimePairs)
	if len(a.seqTimes) == 0 {
		a.seqTimes = ParseSeqTimes(strings.Join(s.dictionaries[DictSeqTimePairs], ","))
	}
	if len(a.seqTimes) == 0 {
		a.seqTimes = []SeqTime{{}}
	}

	a.testTypes = orEmpty(pick(sel.TestTypes, DictTestTypes))
	a.cycles = orEmpty(pick(sel.Cycles, DictCycles))

	var sampleTypes []string
	sampleTypes = append(sampleTypes, pick(sel.PrimaryTypes, DictPrimaryTypes)...)
	sampleTypes = append(sampleTypes, pick(sel.BackupTypes, DictBackupTypes)...)
	a.sampleTypes = orEmpty(sampleTypes)
	return a
}

func trimPairs(in []ClinicSubject) []ClinicSubject {
	var out []ClinicSubject
	for _, p := range in {
		p.Clinic = strings.TrimSpace(p.Clinic)
		p.Subject = strings.TrimSpace(p.Subject)
		if p.Clinic == "" && p.Subject == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func trimSeqTimes(in []SeqTime) []SeqTime {
	var out []SeqTime
	for _, p := range in {
		p.Seq = strings.TrimSpace(p.Seq)
		p.Time = strings.TrimSpace(p.Time)
		if p.Seq == "" && p.Time == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// normalize trims every value and drops empty ones. It never returns the
// input slice.
func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

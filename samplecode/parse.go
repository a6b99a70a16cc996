package samplecode

import (
	"strings"
)

// Parsed field names.
const (
	FieldSubjectCode    = "subject_code"
	FieldClinicCode     = "clinic_code"
	FieldTestType       = "test_type"
	FieldCycleGroup     = "cycle_group"
	FieldCollectionSeq  = "collection_seq"
	FieldCollectionTime = "collection_time"
	FieldIsPrimary      = "is_primary"
)

var fieldNames = map[ElementID]string{
	ElementSubjectID:  FieldSubjectCode,
	ElementClinicCode: FieldClinicCode,
	ElementTestType:   FieldTestType,
	ElementCycleGroup: FieldCycleGroup,
	ElementSampleSeq:  FieldCollectionSeq,
	ElementSampleTime: FieldCollectionTime,
}

// Parse recovers the metadata encoded in code. It is best effort: malformed
// input yields whichever fields can be placed, never an error.
//
// When the code has one token per element the mapping is positional. When
// elements were left out at generation time, Parse looks for the
// order-preserving placement whose configured separators match the delimiters
// actually found in the code, preferring placements backed by dictionary
// values. If no placement fits the delimiters it falls back to positional
// mapping.
func Parse(schema *CodeSchema, code string) map[string]interface{} {
	out := make(map[string]interface{})
	if schema.valid() != nil {
		return out
	}

	tokens, delims := tokenize(code, schema.splitSet())
	if len(tokens) == 0 {
		return out
	}

	placement := schema.place(tokens, delims)
	for i, tok := range tokens {
		if i >= len(placement) {
			break
		}
		id := schema.elements[placement[i]]
		if id == ElementSampleType {
			out[FieldIsPrimary] = !strings.ContainsAny(tok, "bB")
			continue
		}
		if name, ok := fieldNames[id]; ok {
			out[name] = tok
		}
	}
	return out
}

// splitSet collects the characters of every separator configured on the
// elements before the last one.
func (s *CodeSchema) splitSet() map[rune]bool {
	set := make(map[rune]bool)
	for _, id := range s.elements[:len(s.elements)-1] {
		for _, r := range s.Separator(id) {
			set[r] = true
		}
	}
	return set
}

// tokenize splits code into maximal runs of non-separator characters and
// returns the separator run found between consecutive tokens.
func tokenize(code string, set map[rune]bool) (tokens, delims []string) {
	if len(set) == 0 {
		if code == "" {
			return nil, nil
		}
		return []string{code}, nil
	}

	var tok, delim strings.Builder
	flush := func() {
		if tok.Len() == 0 {
			return
		}
		if len(tokens) > 0 {
			delims = append(delims, delim.String())
		}
		tokens = append(tokens, tok.String())
		tok.Reset()
		delim.Reset()
	}
	for _, r := range code {
		if set[r] {
			flush()
			if len(tokens) > 0 {
				delim.WriteRune(r)
			}
			continue
		}
		tok.WriteRune(r)
	}
	flush()
	return tokens, delims
}

// place returns the element index chosen for each token.
func (s *CodeSchema) place(tokens, delims []string) []int {
	n, k := len(s.elements), len(tokens)
	if k >= n {
		return positional(n)
	}

	const infeasible = -1 << 30
	type cell struct {
		score  int
		choice int
		done   bool
	}
	memo := make([][]cell, k)
	for i := range memo {
		memo[i] = make([]cell, n+1)
	}

	var best func(i, from int) int
	best = func(i, from int) int {
		if i == k {
			return 0
		}
		c := &memo[i][from]
		if c.done {
			return c.score
		}
		c.done, c.score, c.choice = true, infeasible, -1
		for p := from; p <= n-(k-i); p++ {
			if i < k-1 && s.Separator(s.elements[p]) != delims[i] {
				continue
			}
			rest := best(i+1, p+1)
			if rest == infeasible {
				continue
			}
			if score := s.evidence(s.elements[p], tokens[i]) + rest; score > c.score {
				c.score, c.choice = score, p
			}
		}
		return c.score
	}

	if best(0, 0) == infeasible {
		return positional(k)
	}
	out := make([]int, 0, k)
	for i, from := 0, 0; i < k; i++ {
		p := memo[i][from].choice
		out = append(out, p)
		from = p + 1
	}
	return out
}

// evidence scores how well tok fits element id: +1 when it is a known value,
// -1 when the element has known values and tok is not one of them.
func (s *CodeSchema) evidence(id ElementID, tok string) int {
	var known []string
	switch id {
	case ElementSponsorCode:
		if s.sponsorCode != "" {
			known = []string{s.sponsorCode}
		}
	case ElementLabCode:
		if s.labCode != "" {
			known = []string{s.labCode}
		}
	case ElementCycleGroup:
		known = s.dictionaries[DictCycles]
	case ElementTestType:
		known = s.dictionaries[DictTestTypes]
	case ElementSampleType:
		known = append(append(known, s.dictionaries[DictPrimaryTypes]...), s.dictionaries[DictBackupTypes]...)
	case ElementClinicCode:
		known = append(known, s.dictionaries[DictClinicCodes]...)
		for _, p := range s.dictionaries[DictClinicSubjectPairs] {
			clinic, _, _ := strings.Cut(p, "/")
			known = append(known, strings.TrimSpace(clinic))
		}
	case ElementSubjectID:
		known = append(known, s.dictionaries[DictSubjects]...)
		for _, p := range s.dictionaries[DictClinicSubjectPairs] {
			_, subject, _ := strings.Cut(p, "/")
			known = append(known, strings.TrimSpace(subject))
		}
	case ElementSampleSeq, ElementSampleTime:
		for _, st := range ParseSeqTimes(strings.Join(s.dictionaries[DictSeqTimePairs], ",")) {
			if id == ElementSampleSeq {
				known = append(known, st.Seq)
			} else {
				known = append(known, st.Time)
			}
		}
	}
	if len(known) == 0 {
		return 0
	}
	for _, v := range known {
		if v == tok {
			return 1
		}
	}
	return -1
}

func positional(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

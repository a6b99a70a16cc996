package samplecode

import "strings"

// DisplayLimit caps the number of codes returned by Preview by default.
const DisplayLimit = 2000

// Generate expands the selection into the deduplicated list of sample codes,
// in first-seen order. Identical inputs always yield identical output.
func Generate(schema *CodeSchema, sel SelectionParams) ([]string, error) {
	if err := schema.valid(); err != nil {
		return nil, err
	}

	a := resolve(schema, sel)
	seen := make(map[string]struct{})
	codes := make([]string, 0)

	for _, pair := range a.pairs {
		for _, testType := range a.testTypes {
			for _, st := range a.seqTimes {
				for _, cycle := range a.cycles {
					for _, sampleType := range a.sampleTypes {
						values := map[ElementID]string{
							ElementSponsorCode: schema.sponsorCode,
							ElementLabCode:     schema.labCode,
							ElementClinicCode:  pair.Clinic,
							ElementSubjectID:   pair.Subject,
							ElementTestType:    testType,
							ElementSampleSeq:   st.Seq,
							ElementSampleTime:  st.Time,
							ElementCycleGroup:  cycle,
							ElementSampleType:  sampleType,
						}
						code := schema.render(values)
						if code == "" {
							continue
						}
						if _, dup := seen[code]; dup {
							continue
						}
						seen[code] = struct{}{}
						codes = append(codes, code)
					}
				}
			}
		}
	}
	return codes, nil
}

// render joins the non-empty element values, each followed by its separator
// except the last one.
func (s *CodeSchema) render(values map[ElementID]string) string {
	var (
		b       strings.Builder
		pending string
	)
	for _, id := range s.elements {
		v := values[id]
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(pending)
		}
		b.WriteString(v)
		pending = s.Separator(id)
	}
	return b.String()
}

// PreviewResult is a display-truncated generation.
type PreviewResult struct {
	Codes     []string `json:"codes"`
	Total     int      `json:"total"`
	Truncated bool     `json:"truncated"`
}

// Preview generates codes and keeps at most limit of them. A limit <= 0 means
// DisplayLimit.
func Preview(schema *CodeSchema, sel SelectionParams, limit int) (PreviewResult, error) {
	if limit <= 0 {
		limit = DisplayLimit
	}
	codes, err := Generate(schema, sel)
	if err != nil {
		return PreviewResult{}, err
	}
	res := PreviewResult{Codes: codes, Total: len(codes)}
	if len(codes) > limit {
		res.Codes = codes[:limit]
		res.Truncated = true
	}
	return res, nil
}

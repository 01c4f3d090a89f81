package leads

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// ErrMissingExternalID marks a lead that carries no usable source id and
// therefore cannot be deduplicated or persisted.
var ErrMissingExternalID = eris.New("leads: lead has no external id")

// FieldMap maps each opportunity field to the prioritized lead keys it is
// resolved from. The provider's lead schema has changed key names across
// versions; the candidate lists absorb that drift.
type FieldMap map[string][]string

// DefaultFieldMap covers every lead shape the provider has shipped so far.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		"external_id":      {"source_id", "source_post_id", "id"},
		"title":            {"title"},
		"content":          {"content", "text"},
		"author":           {"author", "username"},
		"url":              {"url", "permalink"},
		"source":           {"source", "platform"},
		"source_type":      {"source_type", "type"},
		"matched_keywords": {"matched_keywords", "keywords"},
		"detected_pattern": {"detected_pattern", "pattern"},
		"type":             {"opportunity_type"},
		"subtype":          {"opportunity_subtype"},
		"relevance_score":  {"relevance_score"},
		"urgency_score":    {"urgency_score"},
		"total_score":      {"total_score", "score"},
		"extracted":        {"extracted_info", "extracted"},
	}
}

// LoadFieldMap reads a yaml override file and merges it over the defaults.
// Only the fields present in the file are replaced.
func LoadFieldMap(path string) (FieldMap, error) {
	fm := DefaultFieldMap()
	if path == "" {
		return fm, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "leads: read field map %s", path)
	}
	var override FieldMap
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, eris.Wrapf(err, "leads: parse field map %s", path)
	}
	for field, keys := range override {
		fm[field] = keys
	}
	return fm, nil
}

// Converter maps raw provider leads onto opportunities.
type Converter struct {
	fields FieldMap
}

func NewConverter(fm FieldMap) *Converter {
	if fm == nil {
		fm = DefaultFieldMap()
	}
	return &Converter{fields: fm}
}

// ExternalID resolves the lead's source id, the dedup key.
func (c *Converter) ExternalID(lead scoutly.Lead) (string, bool) {
	v, ok := c.resolve(lead, "external_id")
	if !ok {
		return "", false
	}
	id := asString(v)
	return id, id != ""
}

// Convert builds an opportunity from a raw lead. Fields the lead does not
// carry stay at their zero value, except Author which defaults to "unknown".
func (c *Converter) Convert(lead scoutly.Lead, ownerID, searchID string) (model.Opportunity, error) {
	externalID, ok := c.ExternalID(lead)
	if !ok {
		return model.Opportunity{}, ErrMissingExternalID
	}

	o := model.Opportunity{
		OwnerID:         ownerID,
		SearchID:        searchID,
		ExternalID:      externalID,
		Title:           c.stringField(lead, "title"),
		Content:         c.stringField(lead, "content"),
		Author:          c.stringField(lead, "author"),
		URL:             c.stringField(lead, "url"),
		Source:          c.stringField(lead, "source"),
		SourceType:      c.stringField(lead, "source_type"),
		DetectedPattern: c.stringField(lead, "detected_pattern"),
		Type:            c.stringField(lead, "type"),
		Subtype:         c.stringField(lead, "subtype"),
		RelevanceScore:  c.floatField(lead, "relevance_score"),
		UrgencyScore:    c.floatField(lead, "urgency_score"),
		TotalScore:      c.floatField(lead, "total_score"),
		Status:          model.OpportunityStatusNew,
	}

	if v, ok := c.resolve(lead, "matched_keywords"); ok {
		o.MatchedKeywords = asStringSlice(v)
	}
	if v, ok := c.resolve(lead, "extracted"); ok {
		if m, isMap := v.(map[string]any); isMap {
			o.Extracted = m
		}
	}
	if o.Author == "" {
		o.Author = "unknown"
	}
	return o, nil
}

func (c *Converter) resolve(lead scoutly.Lead, field string) (any, bool) {
	for _, key := range c.fields[field] {
		if v, ok := lead[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (c *Converter) stringField(lead scoutly.Lead, field string) string {
	v, ok := c.resolve(lead, field)
	if !ok {
		return ""
	}
	return asString(v)
}

func (c *Converter) floatField(lead scoutly.Lead, field string) float64 {
	v, ok := c.resolve(lead, field)
	if !ok {
		return 0
	}
	return asFloat(v)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		// JSON numbers decode as float64; ids are typically integral.
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str := asString(item); str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

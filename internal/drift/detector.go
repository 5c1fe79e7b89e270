// Package drift detects divergence between upstream payloads and the field
// schemas each source is expected to serve. Detection is advisory: results
// are logged and never block ingestion.
package drift

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/fuzzy"
	logpkg "github.com/kasparro/coinetl/internal/log"
)

// FieldType classifies an expected field's JSON type.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	default:
		return "float"
	}
}

// FieldSpec describes one expected field. Nullable fields accept explicit
// nulls without counting as mismatches.
type FieldSpec struct {
	Type     FieldType
	Nullable bool
}

// Schema maps field names to their expected shapes.
type Schema map[string]FieldSpec

// Expected schemas for the three sources.
var (
	CoinPaprikaSchema = Schema{
		"coin_id":        {Type: TypeString},
		"symbol":         {Type: TypeString},
		"name":           {Type: TypeString},
		"rank":           {Type: TypeInt},
		"price_usd":      {Type: TypeFloat, Nullable: true},
		"volume_24h_usd": {Type: TypeFloat, Nullable: true},
		"market_cap_usd": {Type: TypeFloat, Nullable: true},
	}
	CoinGeckoSchema = Schema{
		"coin_id":       {Type: TypeString},
		"symbol":        {Type: TypeString},
		"name":          {Type: TypeString},
		"current_price": {Type: TypeFloat, Nullable: true},
		"market_cap":    {Type: TypeFloat, Nullable: true},
		"total_volume":  {Type: TypeFloat, Nullable: true},
	}
	CSVSchema = Schema{
		"symbol":         {Type: TypeString},
		"name":           {Type: TypeString},
		"price_usd":      {Type: TypeFloat, Nullable: true},
		"market_cap_usd": {Type: TypeFloat, Nullable: true},
		"volume_24h_usd": {Type: TypeFloat, Nullable: true},
	}
)

// DefaultSuggestionThreshold is the minimum 0–100 similarity for a fuzzy
// field suggestion.
const DefaultSuggestionThreshold = 80

// Result is the outcome of one drift check. Confidence starts from the
// fraction of expected fields present and loses 0.1 per type mismatch,
// floored at zero.
type Result struct {
	HasDrift   bool
	Confidence float64
	Warnings   []string
}

// Detector checks records from one source against its expected schema.
type Detector struct {
	sourceName string
	schema     Schema
	fields     []string
	logger     zerolog.Logger
}

// NewDetector builds a detector for a source.
func NewDetector(sourceName string, schema Schema) *Detector {
	fields := make([]string, 0, len(schema))
	for f := range schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return &Detector{
		sourceName: sourceName,
		schema:     schema,
		fields:     fields,
		logger:     logpkg.Component("schema_drift").With().Str("source", sourceName).Logger(),
	}
}

// Detect compares one record against the expected schema. Field lists in
// warnings are sorted so output is stable.
func (d *Detector) Detect(record map[string]interface{}) Result {
	var missing, unexpected []string
	matched := 0
	for _, field := range d.fields {
		if _, ok := record[field]; ok {
			matched++
		} else {
			missing = append(missing, field)
		}
	}
	for field := range record {
		if _, ok := d.schema[field]; !ok {
			unexpected = append(unexpected, field)
		}
	}
	sort.Strings(unexpected)

	var warnings []string
	if len(missing) > 0 {
		warnings = append(warnings, "Missing fields: "+strings.Join(missing, ", "))
	}
	if len(unexpected) > 0 {
		warnings = append(warnings, "Unexpected fields: "+strings.Join(unexpected, ", "))
	}

	mismatches := 0
	for _, field := range d.fields {
		value, ok := record[field]
		if !ok {
			continue
		}
		spec := d.schema[field]
		if value == nil {
			if spec.Nullable {
				continue
			}
			mismatches++
			warnings = append(warnings, fmt.Sprintf("%s: expected %s, got null", field, spec.Type))
			continue
		}
		if !matchesType(value, spec.Type) {
			mismatches++
			warnings = append(warnings, fmt.Sprintf("%s: expected %s, got %s", field, spec.Type, typeName(value)))
		}
	}

	confidence := float64(matched)/float64(len(d.schema)) - 0.1*float64(mismatches)
	if confidence < 0 {
		confidence = 0
	}

	return Result{
		HasDrift:   len(warnings) > 0,
		Confidence: confidence,
		Warnings:   warnings,
	}
}

// SuggestField proposes the expected field an unknown one most plausibly
// renames: the lexicographically first expected field whose lowercased
// similarity score reaches the threshold.
func (d *Detector) SuggestField(field string, threshold int) (string, bool) {
	lowered := strings.ToLower(field)
	for _, expected := range d.fields {
		if fuzzy.Score(lowered, strings.ToLower(expected)) >= threshold {
			return expected, true
		}
	}
	return "", false
}

// SuggestMapping runs SuggestField over a set of unknown fields with the
// default threshold, keeping only the ones that produced a suggestion.
func (d *Detector) SuggestMapping(unknown []string) map[string]string {
	suggestions := make(map[string]string)
	for _, field := range unknown {
		if match, ok := d.SuggestField(field, DefaultSuggestionThreshold); ok {
			suggestions[field] = match
		}
	}
	return suggestions
}

// LogSummary emits the advisory drift log with its severity label.
func (d *Detector) LogSummary(res Result) {
	if !res.HasDrift {
		return
	}
	d.logger.Warn().
		Str("severity", Severity(res.Confidence)).
		Float64("confidence", res.Confidence).
		Strs("warnings", res.Warnings).
		Msg("schema drift detected")
}

// Severity labels a confidence score: minor at 0.9 and above, moderate at
// 0.7 and above, severe below.
func Severity(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "minor"
	case confidence >= 0.7:
		return "moderate"
	default:
		return "severe"
	}
}

func matchesType(value interface{}, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeInt:
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		default:
			return false
		}
	default:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		default:
			return false
		}
	}
}

func typeName(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64:
		if v == float64(int64(v)) {
			return "int"
		}
		return "float"
	case float32:
		return "float"
	case int, int32, int64:
		return "int"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// Package schema checks chapter answers against the field catalog from pve.yml.
package schema

import (
	"math"
	"strings"

	"pveassist/internal/config"
)

// Validator validates chapter answer fragments. It implements the guard's
// SchemaValidator contract.
type Validator struct {
	chapters map[string]config.Chapter
}

func New(cfg *config.Config) Validator {
	v := Validator{chapters: map[string]config.Chapter{}}
	if cfg == nil {
		return v
	}
	for _, ch := range cfg.Chapters {
		v.chapters[ch.Key] = ch
	}
	return v
}

// Validate reports whether every key in data is a known field of chapter and
// every non-nil value is type compatible. Keys may be dotted paths; only the
// root segment names the field.
func (v Validator) Validate(chapter string, data map[string]any) bool {
	ch, ok := v.chapters[chapter]
	if !ok {
		return false
	}
	for path, value := range data {
		field, ok := ch.Field(FieldID(path))
		if !ok {
			return false
		}
		if value == nil {
			continue
		}
		if !compatible(field, value) {
			return false
		}
	}
	return true
}

// FieldID returns the root field id of a dotted patch path.
func FieldID(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

func compatible(f config.Field, value any) bool {
	switch f.Type {
	case config.FieldString:
		_, ok := value.(string)
		return ok
	case config.FieldNumber:
		_, ok := toFloat(value)
		return ok
	case config.FieldInteger:
		n, ok := toFloat(value)
		return ok && n == math.Trunc(n) && n >= 0
	case config.FieldBoolean:
		_, ok := value.(bool)
		return ok
	case config.FieldList:
		switch value.(type) {
		case []any, []string:
			return true
		case string, float64, int:
			// a single element, as produced by append
			return true
		}
		return false
	case config.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, allowed := range f.Enum {
			if strings.EqualFold(allowed, s) {
				return true
			}
		}
		return false
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

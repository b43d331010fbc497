package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pveassist/internal/config"
)

func TestValidate(t *testing.T) {
	v := New(config.Default("p"))

	assert.True(t, v.Validate("basis", map[string]any{"projectName": "Villa Zon"}))
	assert.True(t, v.Validate("ruimtes", map[string]any{"bedrooms": 3}))
	assert.True(t, v.Validate("ruimtes", map[string]any{"bedrooms": float64(4)}))
	assert.True(t, v.Validate("budget", map[string]any{"budgetTotal": 250000.0}))
	assert.True(t, v.Validate("wensen", map[string]any{"style": "Modern"}))
	assert.True(t, v.Validate("wensen", map[string]any{"wishes": "veel licht"}))
	assert.True(t, v.Validate("techniek", map[string]any{"smartHome": nil}))
	assert.True(t, v.Validate("ruimtes", map[string]any{"rooms.kitchen": []any{"open"}}))

	assert.False(t, v.Validate("nope", map[string]any{"x": 1}))
	assert.False(t, v.Validate("basis", map[string]any{"unknownField": "x"}))
	assert.False(t, v.Validate("ruimtes", map[string]any{"bedrooms": 2.5}))
	assert.False(t, v.Validate("ruimtes", map[string]any{"bedrooms": "three"}))
	assert.False(t, v.Validate("wensen", map[string]any{"style": "barok"}))
	assert.False(t, v.Validate("techniek", map[string]any{"smartHome": "yes"}))
}

func TestFieldID(t *testing.T) {
	assert.Equal(t, "rooms", FieldID("rooms.kitchen.size"))
	assert.Equal(t, "rooms", FieldID("rooms[0]"))
	assert.Equal(t, "budgetTotal", FieldID(" budgetTotal "))
}

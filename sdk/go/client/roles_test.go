package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRolesYAML(t *testing.T) {
	doc := `
roles:
  - name: render
    performance: 4
    attributes:
      unit_cost: 5ms
  - name: encode
`
	roles, err := LoadRolesYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, roles, 2)

	assert.Equal(t, "render", roles[0].Name)
	require.NotNil(t, roles[0].Performance)
	assert.Equal(t, 4.0, *roles[0].Performance)
	assert.Equal(t, "5ms", roles[0].Attributes["unit_cost"])
	assert.Nil(t, roles[1].Performance)

	decls := declarations(roles)
	assert.Equal(t, "encode", decls[1].Name)
	assert.Equal(t, roles[0].Performance, decls[0].Performance)
}

func TestLoadRolesYAMLEmpty(t *testing.T) {
	roles, err := LoadRolesYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestLoadRolesYAMLInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "roles:\n  - name: render\n    speed: 3\n"},
		{"empty name", "roles:\n  - performance: 1\n"},
		{"duplicate", "roles:\n  - name: a\n  - name: a\n"},
		{"negative", "roles:\n  - name: a\n    performance: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRolesYAML(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestWithPerformanceKeepsDeclared(t *testing.T) {
	declared := 2.5
	roles := []Role{{Name: "a", Performance: &declared}, {Name: "b"}}

	out := withPerformance(roles, 8)
	assert.Equal(t, 2.5, *out[0].Performance)
	assert.Equal(t, 8.0, *out[1].Performance)
	assert.Nil(t, roles[1].Performance)
}

func TestDetectCapacity(t *testing.T) {
	capacity, err := DetectCapacity()
	if err != nil {
		t.Skipf("capacity unavailable: %v", err)
	}
	assert.Positive(t, capacity.LogicalCPUs)
	assert.Positive(t, capacity.TotalMemory)
}

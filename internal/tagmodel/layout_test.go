package tagmodel

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoTagJSON = `{
  "tags": [
    {"ID": 1, "pose": {"translation": {"x": 15.0, "y": 1.0, "z": 1.35},
      "rotation": {"quaternion": {"W": 0.0, "X": 0.0, "Y": 0.0, "Z": 1.0}}}},
    {"ID": 7, "pose": {"translation": {"x": 1.5, "y": 4.0, "z": 0.5},
      "rotation": {"quaternion": {"W": 1.0, "X": 0.0, "Y": 0.0, "Z": 0.0}}}}
  ],
  "field": {"length": 16.54, "width": 8.21}
}`

const twoTagYAML = `
tags:
  - ID: 3
    pose:
      translation: {x: 2.0, y: 3.0, z: 0.4}
      rotation:
        quaternion: {W: 0.7071067811865476, X: 0, Y: 0, Z: 0.7071067811865476}
field:
  length: 10
  width: 5
`

func TestParseLayout_JSON(t *testing.T) {
	l, err := ParseLayout([]byte(twoTagJSON), "json")
	require.NoError(t, err)
	require.Len(t, l.Tags, 2)
	assert.Equal(t, 16.54, l.Field.Length)

	p := l.Tags[0].Pose.Planar()
	assert.InDelta(t, 15.0, p.X, 1e-9)
	assert.InDelta(t, math.Pi, math.Abs(p.Theta), 1e-9)
}

func TestParseLayout_YAML(t *testing.T) {
	l, err := ParseLayout([]byte(twoTagYAML), "yaml")
	require.NoError(t, err)
	require.Len(t, l.Tags, 1)
	assert.Equal(t, 3, l.Tags[0].ID)
	assert.InDelta(t, math.Pi/2, l.Tags[0].Pose.Planar().Theta, 1e-9)
}

func TestParseLayout_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format string
		errSub string
	}{
		{"bad json", "{", "json", "parse layout JSON"},
		{"bad format", "{}", "toml", "unsupported layout format"},
		{"duplicate ids", `{"tags":[{"ID":1,"pose":{"rotation":{"quaternion":{"W":1}}}},{"ID":1,"pose":{"rotation":{"quaternion":{"W":1}}}}]}`, "json", "duplicate tag id 1"},
		{"zero quaternion", `{"tags":[{"ID":2}]}`, "json", "degenerate quaternion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestLoadLayoutFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "layout.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(twoTagJSON), 0o644))
	l, err := LoadLayoutFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, l.Tags, 2)

	yamlPath := filepath.Join(dir, "layout.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(twoTagYAML), 0o644))
	l, err = LoadLayoutFile(yamlPath)
	require.NoError(t, err)
	assert.Len(t, l.Tags, 1)

	_, err = LoadLayoutFile(filepath.Join(dir, "layout.txt"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), ".json or .yaml"))

	_, err = LoadLayoutFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestModel_SetLayoutSwapsPoses(t *testing.T) {
	m := NewModel()
	_, ok := m.TagPose(1)
	assert.False(t, ok, "empty model has no tags")
	assert.Nil(t, m.Layout())

	first, err := ParseLayout([]byte(twoTagJSON), "json")
	require.NoError(t, err)
	m.SetLayout(first)
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, 2, m.TagCount())

	p, ok := m.TagPose(7)
	require.True(t, ok)
	assert.InDelta(t, 4.0, p.Y, 1e-9)

	second, err := ParseLayout([]byte(twoTagYAML), "yaml")
	require.NoError(t, err)
	m.SetLayout(second)
	assert.Equal(t, uint64(2), m.Generation())
	_, ok = m.TagPose(7)
	assert.False(t, ok, "tag 7 must disappear after swap")
	_, ok = m.TagPose(3)
	assert.True(t, ok)
	assert.Same(t, second, m.Layout())
}

// Package tagmodel holds the field map of known fiducial tags. A single
// Model instance is shared by the localizer and every camera pipeline so a
// layout swap is seen by all of them at once.
package tagmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/taglocalizer/internal/geom"
	"gopkg.in/yaml.v3"
)

// maxLayoutFileSize caps layout files read from disk.
const maxLayoutFileSize = 1 * 1024 * 1024

// Layout mirrors the WPILib AprilTag field layout document.
type Layout struct {
	Tags  []Tag `json:"tags" yaml:"tags"`
	Field Field `json:"field" yaml:"field"`
}

// Field is the playing area extent in metres.
type Field struct {
	Length float64 `json:"length" yaml:"length"`
	Width  float64 `json:"width" yaml:"width"`
}

// Tag is one fiducial and its pose in the field frame.
type Tag struct {
	ID   int     `json:"ID" yaml:"ID"`
	Pose TagPose `json:"pose" yaml:"pose"`
}

// TagPose is a 3-D pose with quaternion orientation.
type TagPose struct {
	Translation Translation `json:"translation" yaml:"translation"`
	Rotation    Rotation    `json:"rotation" yaml:"rotation"`
}

// Translation is a field-frame position in metres.
type Translation struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Rotation wraps the quaternion the way the WPILib serializer does.
type Rotation struct {
	Quaternion Quaternion `json:"quaternion" yaml:"quaternion"`
}

// Quaternion is a unit quaternion, scalar first.
type Quaternion struct {
	W float64 `json:"W" yaml:"W"`
	X float64 `json:"X" yaml:"X"`
	Y float64 `json:"Y" yaml:"Y"`
	Z float64 `json:"Z" yaml:"Z"`
}

// Yaw returns the rotation about the field Z axis.
func (q Quaternion) Yaw() float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// Planar projects the tag pose onto the field plane.
func (p TagPose) Planar() geom.Pose2 {
	return geom.Pose2{
		X:     p.Translation.X,
		Y:     p.Translation.Y,
		Theta: geom.WrapAngle(p.Rotation.Quaternion.Yaw()),
	}
}

// Validate checks ids are unique and quaternions are normalisable.
func (l *Layout) Validate() error {
	if l == nil {
		return fmt.Errorf("layout is nil")
	}
	seen := make(map[int]bool, len(l.Tags))
	for _, t := range l.Tags {
		if seen[t.ID] {
			return fmt.Errorf("duplicate tag id %d", t.ID)
		}
		seen[t.ID] = true
		q := t.Pose.Rotation.Quaternion
		n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
		if n < 1e-6 || math.IsNaN(n) {
			return fmt.Errorf("tag %d has a degenerate quaternion", t.ID)
		}
	}
	return nil
}

// ParseLayout decodes a layout document. format is "json" or "yaml".
func ParseLayout(data []byte, format string) (*Layout, error) {
	layout := &Layout{}
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, layout); err != nil {
			return nil, fmt.Errorf("failed to parse layout JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, layout); err != nil {
			return nil, fmt.Errorf("failed to parse layout YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported layout format %q", format)
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	return layout, nil
}

// LoadLayoutFile reads a layout from disk, picking the decoder from the
// file extension.
func LoadLayoutFile(path string) (*Layout, error) {
	cleanPath := filepath.Clean(path)
	format := strings.TrimPrefix(filepath.Ext(cleanPath), ".")
	if format != "json" && format != "yaml" && format != "yml" {
		return nil, fmt.Errorf("layout file must be .json or .yaml, got %q", filepath.Ext(cleanPath))
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat layout file: %w", err)
	}
	if info.Size() > maxLayoutFileSize {
		return nil, fmt.Errorf("layout file too large: %d bytes (max %d)", info.Size(), maxLayoutFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	return ParseLayout(data, format)
}

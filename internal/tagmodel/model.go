package tagmodel

import (
	"sync"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

// Model is the shared, swappable tag map.
type Model struct {
	mu         sync.RWMutex
	layout     *Layout
	poses      map[int]geom.Pose2
	generation uint64
}

// NewModel returns a model with no tags.
func NewModel() *Model {
	return &Model{poses: make(map[int]geom.Pose2)}
}

// SetLayout replaces the active layout and bumps the generation counter.
func (m *Model) SetLayout(l *Layout) {
	poses := make(map[int]geom.Pose2)
	if l != nil {
		for _, t := range l.Tags {
			poses[t.ID] = t.Pose.Planar()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.layout = l
	m.poses = poses
	m.generation++
}

// TagPose returns the planar field pose of a tag.
func (m *Model) TagPose(id int) (geom.Pose2, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.poses[id]
	return p, ok
}

// Layout returns the active layout, or nil before the first SetLayout.
func (m *Model) Layout() *Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layout
}

// Generation increments on every SetLayout.
func (m *Model) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// TagCount returns the number of tags in the active layout.
func (m *Model) TagCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.poses)
}

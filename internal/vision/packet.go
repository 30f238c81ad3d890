// Package vision receives fiducial detections from camera coprocessors and
// presents each camera to the fusion loop as a vision source.
package vision

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/taglocalizer/internal/geom"
)

// MaxPacketSize is the largest detection datagram accepted.
const MaxPacketSize = 8192

// Detection is one tag as seen from the camera.
type Detection struct {
	ID          int         `json:"id"`
	CameraToTag geom.Pose2  `json:"camera_to_tag"`
	Noise       *geom.Noise `json:"noise,omitempty"`
}

// DetectionPacket is the datagram a camera coprocessor sends per frame.
// TimeUs is the capture time on the shared sensor clock.
type DetectionPacket struct {
	Camera     string      `json:"camera"`
	TimeUs     uint64      `json:"time_us"`
	Sequence   uint64      `json:"seq,omitempty"`
	Detections []Detection `json:"detections"`
}

// ParsePacket decodes and sanity-checks a detection datagram.
func ParsePacket(data []byte) (DetectionPacket, error) {
	var pkt DetectionPacket
	if len(data) > MaxPacketSize {
		return pkt, fmt.Errorf("packet too large: %d bytes", len(data))
	}
	if err := json.Unmarshal(data, &pkt); err != nil {
		return pkt, fmt.Errorf("malformed detection packet: %w", err)
	}
	if pkt.TimeUs == 0 {
		return pkt, fmt.Errorf("detection packet from %q has no time_us", pkt.Camera)
	}
	for i, d := range pkt.Detections {
		if !d.CameraToTag.IsFinite() {
			return pkt, fmt.Errorf("detection %d (tag %d) has a non-finite pose", i, d.ID)
		}
	}
	return pkt, nil
}

// EncodePacket is the inverse of ParsePacket.
func EncodePacket(pkt DetectionPacket) ([]byte, error) {
	return json.Marshal(pkt)
}

package serialmux

import "strings"

const (
	LineTypeOdometry = "odometry"
	LineTypeStatus   = "status"
	LineTypeUnknown  = "unknown"
)

// ClassifyLine returns a coarse type for a line from the drivetrain
// controller. Odometry samples are JSON objects carrying a twist; any other
// JSON object is a status report.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return LineTypeUnknown
	}
	if strings.Contains(line, `"twist"`) || strings.Contains(line, `"dx"`) {
		return LineTypeOdometry
	}
	return LineTypeStatus
}

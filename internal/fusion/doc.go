// Package fusion owns the per-cycle orchestration between the sensor
// listeners and the pose estimator.
//
// Each call to Runner.Update runs one cycle: configuration intake (tag
// layout swaps and pose priors), odometry intake which advances the time
// watermark, per-camera vision intake with a backlog for frames newer than
// the watermark, and finally the readiness gate that decides whether the
// estimator may optimize and publish.
//
// The Runner is single-threaded. Collaborators are polled and must return
// already-buffered data without blocking. Watermark, guess state and the
// pending backlog are owned exclusively by the goroutine calling Update.
package fusion

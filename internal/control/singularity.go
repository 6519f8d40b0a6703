// ============================================================================
// flightcore Geometric Controller - Yaw Singularity Handling
// ============================================================================
//
// Package: internal/control
// File: singularity.go
// Purpose: Detect alignment of the yaw direction with the thrust axis and
// route the desired-frame construction around the degenerate cross product
//
// The normal construction b2 = b3 x heading fails as |heading . b3| -> 1.
// Below the warning threshold nothing happens; between warning and
// singularity thresholds the construction still runs but is reported; above
// the singularity threshold one of three fallbacks produces the frame. All
// paths return an orthonormal right-handed (b1, b2, b3).
//
// ============================================================================

package control

import (
	"math"

	"github.com/golang/geo/r3"
)

// singularityLevel classifies one cycle's yaw/thrust geometry.
type singularityLevel int

const (
	singNone singularityLevel = iota
	singWarning
	singFallback
)

// desiredFrame computes the first two desired body axes for thrust axis b3
// and desired heading yaw, applying the configured fallback when the
// geometry degenerates. Caller holds the controller mutex.
func (c *GeometricController) desiredFrame(b3 r3.Vector, yaw float64) (r3.Vector, r3.Vector, singularityLevel) {
	heading := yawDirection(yaw)
	cosAngle := math.Abs(heading.Dot(b3))

	if cosAngle >= c.cfg.Singularity.SingularityThreshold {
		b1, b2 := c.fallbackFrame(b3)
		return b1, b2, singFallback
	}

	b1, b2 := frameFromThrustHeading(b3, heading)
	if cosAngle >= c.cfg.Singularity.WarningThreshold {
		return b1, b2, singWarning
	}
	return b1, b2, singNone
}

// fallbackFrame builds the frame without the commanded yaw. A configured
// substitute heading that is itself degenerate degrades further to the
// arbitrary-perpendicular construction, so every path stays orthonormal.
func (c *GeometricController) fallbackFrame(b3 r3.Vector) (r3.Vector, r3.Vector) {
	switch c.cfg.Singularity.Fallback {
	case FallbackDefaultHeading:
		h := yawDirection(c.cfg.Singularity.DefaultHeadingYaw)
		if math.Abs(h.Dot(b3)) < c.cfg.Singularity.SingularityThreshold {
			return frameFromThrustHeading(b3, h)
		}
	case FallbackMaintainCurrent:
		if h := c.lastHeading; h.Norm() > 1e-9 {
			h = h.Normalize()
			if math.Abs(h.Dot(b3)) < c.cfg.Singularity.SingularityThreshold {
				return frameFromThrustHeading(b3, h)
			}
		}
	}

	// skip_yaw, or a fallback heading that is itself parallel to thrust:
	// any frame perpendicular to b3 will do.
	b2 := perpendicularTo(b3)
	b1 := b2.Cross(b3)
	return b1, b2
}

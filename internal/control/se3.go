// ============================================================================
// flightcore Geometric Controller - SE(3) Helpers
// ============================================================================
//
// Package: internal/control
// File: se3.go
// Purpose: Rotation-matrix algebra for the control law: vee map, frame
// construction, small matrix/vector products
//
// Conventions: rotation matrices are body-to-world, vectors are r3.Vector,
// the world z axis points up.
//
// ============================================================================

package control

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// unitZ is the world vertical.
var unitZ = r3.Vector{Z: 1}

// matVec computes m * v for a 3x3 matrix.
func matVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// vee extracts the vector from a skew-symmetric matrix.
func vee(m mat.Matrix) r3.Vector {
	return r3.Vector{X: m.At(2, 1), Y: m.At(0, 2), Z: m.At(1, 0)}
}

// attitudeError computes vee(0.5 (Rd^T R - R^T Rd)), the standard SO(3)
// rotation error of R relative to the desired Rd.
func attitudeError(r, rd *mat.Dense) r3.Vector {
	var a, b, e mat.Dense
	a.Mul(rd.T(), r)
	b.Mul(r.T(), rd)
	e.Sub(&a, &b)
	e.Scale(0.5, &e)
	return vee(&e)
}

// rotationFromColumns assembles the rotation matrix with body axes b1, b2,
// b3 as columns.
func rotationFromColumns(b1, b2, b3 r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		b1.X, b2.X, b3.X,
		b1.Y, b2.Y, b3.Y,
		b1.Z, b2.Z, b3.Z,
	})
}

// yawDirection is the world-frame horizontal unit vector at heading yaw.
func yawDirection(yaw float64) r3.Vector {
	return r3.Vector{X: math.Cos(yaw), Y: math.Sin(yaw)}
}

// frameFromThrustHeading builds the orthonormal right-handed desired frame
// whose third axis is b3 (unit thrust direction) and whose first axis points
// as close to heading as orthogonality allows:
//
//	b2 = b3 x heading / |.|,  b1 = b2 x b3
//
// Caller guarantees heading is not parallel to b3; the singularity handling
// in singularity.go routes around that case.
func frameFromThrustHeading(b3, heading r3.Vector) (r3.Vector, r3.Vector) {
	b2 := b3.Cross(heading).Normalize()
	b1 := b2.Cross(b3)
	return b1, b2
}

// perpendicularTo returns an arbitrary unit vector perpendicular to unit v,
// built from whichever world axis is least aligned with it.
func perpendicularTo(v r3.Vector) r3.Vector {
	ref := r3.Vector{X: 1}
	if math.Abs(v.X) > math.Abs(v.Y) {
		ref = r3.Vector{Y: 1}
	}
	return v.Cross(ref).Normalize()
}

// elemMul multiplies two vectors element-wise (per-axis gains).
func elemMul(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

// clampF bounds x into [lo, hi].
func clampF(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// limitTilt rescales the xy components of unit vector b3 so its angle from
// vertical is exactly maxTilt when it would exceed it. Returns the adjusted
// vector and whether limiting occurred. A thrust direction at or below the
// horizon is pulled back to the tilt limit along its horizontal heading.
func limitTilt(b3 r3.Vector, maxTilt float64) (r3.Vector, bool) {
	tilt := math.Acos(clampF(b3.Z, -1, 1))
	if tilt <= maxTilt {
		return b3, false
	}
	h := math.Hypot(b3.X, b3.Y)
	if h < 1e-9 {
		// Pointing straight down: no horizontal heading to preserve.
		return unitZ, true
	}
	s := math.Sin(maxTilt) / h
	return r3.Vector{X: b3.X * s, Y: b3.Y * s, Z: math.Cos(maxTilt)}, true
}

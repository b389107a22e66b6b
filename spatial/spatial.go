// Package spatial provides the East-North-Up geometry primitives shared by
// localisation, obstacle tracking, and path planning: vectors, poses, and
// angle normalisation. Rotation (RotateZ) and blending (Blend) use
// gonum/mat, matching the linear-algebra idiom the retrieved fusion/kalman
// reference files use; the elementwise Vec3 operations (Add, Sub, Scale,
// Norm) are plain arithmetic.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a point or displacement in the local East-North-Up frame, in
// meters.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns the vector sum of v and o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v minus o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dense returns v as a gonum 3x1 vector for use in filter math.
func (v Vec3) Dense() *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

// VecFromDense builds a Vec3 from a 3-element gonum vector.
func VecFromDense(v *mat.VecDense) Vec3 {
	return Vec3{v.AtVec(0), v.AtVec(1), v.AtVec(2)}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance returns the 3D Euclidean distance between v and o; Z is
// included, so it equals the planar distance only when the Z values match.
func (v Vec3) Distance(o Vec3) float64 {
	return v.Sub(o).Norm()
}

// RotateZ rotates v about the Up axis by the given yaw in radians, via a
// gonum rotation-matrix multiply. Used to turn a body-frame wheel-odometry
// displacement into an ENU displacement during dead reckoning.
func (v Vec3) RotateZ(yaw float64) Vec3 {
	s, c := math.Sin(yaw), math.Cos(yaw)
	rot := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	var out mat.VecDense
	out.MulVec(rot, v.Dense())
	return VecFromDense(&out)
}

// Blend returns a shifted toward b by gain, i.e. a + gain*(b-a), via gonum
// vector arithmetic. Used by the localisation filter's Kalman-style GPS and
// visual-odometry position updates.
func Blend(a, b Vec3, gain float64) Vec3 {
	delta := b.Dense()
	delta.SubVec(delta, a.Dense())
	var out mat.VecDense
	out.AddScaledVec(a.Dense(), gain, delta)
	return VecFromDense(&out)
}

// NormalizeAngle reduces an angle in radians to (-pi, pi].
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// AngleDiff returns the signed shortest angular difference target-from, in
// (-pi, pi].
func AngleDiff(from, target float64) float64 {
	return NormalizeAngle(target - from)
}

// Orientation is a roll/pitch/yaw triple in radians.
type Orientation struct {
	Roll, Pitch, Yaw float64
}

// TiltMagnitude returns sqrt(roll^2 + pitch^2), the quantity the safety
// monitor compares against the configured maximum slope angle.
func (o Orientation) TiltMagnitude() float64 {
	return math.Sqrt(o.Roll*o.Roll + o.Pitch*o.Pitch)
}

// Pose is the vehicle's estimated position and orientation, with its
// associated uncertainty, at a point in monotonic time.
type Pose struct {
	Position               Vec3
	Orientation            Orientation
	PositionUncertaintyM   float64
	OrientationUncertainty float64
	TimestampNanos         int64
}

// Rectangle describes the swept corridor between two points with a given
// half-width, used for clearance queries.
type Rectangle struct {
	Start, End Vec3
	HalfWidth  float64
}

// NewCorridor builds the rectangle swept from start to end with the given
// full width.
func NewCorridor(start, end Vec3, width float64) Rectangle {
	return Rectangle{Start: start, End: end, HalfWidth: width / 2}
}

// Intersects reports whether the axis-free segment-to-point distance from
// center to the corridor's centerline is within the corridor's half-width
// plus the given object radius, and that center projects within the
// corridor's length (with the radius as end-cap slack).
func (r Rectangle) Intersects(center Vec3, radius float64) bool {
	d := r.End.Sub(r.Start)
	length := d.Norm()
	if length < 1e-9 {
		return r.Start.Distance(center) <= r.HalfWidth+radius
	}
	dir := d.Scale(1 / length)
	toPoint := center.Sub(r.Start)
	proj := toPoint.X*dir.X + toPoint.Y*dir.Y + toPoint.Z*dir.Z
	if proj < -radius || proj > length+radius {
		return false
	}
	perp := toPoint.Sub(dir.Scale(proj))
	return perp.Norm() <= r.HalfWidth+radius
}

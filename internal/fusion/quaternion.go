// Package fusion provides the motion filters: the 13-state bias-aware
// Extended Kalman Filter and the complementary reference filter.
package fusion

import "math"

// Quat is a unit rotation quaternion (w, x, y, z) from device frame to the
// local ENU frame.
type Quat [4]float64

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{1, 0, 0, 0}
}

// Norm returns |q|.
func (q Quat) Norm() float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// Normalized returns q scaled to unit norm.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n == 0 {
		return IdentityQuat()
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Derivative returns q̇ = ½ q ⊗ [0, ω] for body rate ω in rad/s.
func (q Quat) Derivative(wx, wy, wz float64) Quat {
	return Quat{
		0.5 * (-q[1]*wx - q[2]*wy - q[3]*wz),
		0.5 * (q[0]*wx + q[2]*wz - q[3]*wy),
		0.5 * (q[0]*wy - q[1]*wz + q[3]*wx),
		0.5 * (q[0]*wz + q[1]*wy - q[2]*wx),
	}
}

// Euler extracts roll, pitch, yaw in radians (ZYX convention). The asin
// argument is clamped to [-1, 1]; near-gimbal-lock inputs would otherwise
// produce NaN.
func (q Quat) Euler() (roll, pitch, yaw float64) {
	sinrCosp := 2 * (q[0]*q[1] + q[2]*q[3])
	cosrCosp := 1 - 2*(q[1]*q[1]+q[2]*q[2])
	roll = math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q[0]*q[2] - q[3]*q[1])
	pitch = math.Asin(clamp(sinp, -1, 1))

	sinyCosp := 2 * (q[0]*q[3] + q[1]*q[2])
	cosyCosp := 1 - 2*(q[2]*q[2]+q[3]*q[3])
	yaw = math.Atan2(sinyCosp, cosyCosp)
	return roll, pitch, yaw
}

// HeadingDeg returns the compass heading in degrees [0, 360). ENU yaw grows
// counter-clockwise from east; compass bearing grows clockwise from north.
func (q Quat) HeadingDeg() float64 {
	_, _, yaw := q.Euler()
	heading := 90 - yaw*180/math.Pi
	for heading < 0 {
		heading += 360
	}
	for heading >= 360 {
		heading -= 360
	}
	return heading
}

// GravityDevice returns the gravity vector of magnitude g expressed in the
// device frame: C(q)ᵀ · (0, 0, g).
func (q Quat) GravityDevice(g float64) (gx, gy, gz float64) {
	gx = g * 2 * (q[1]*q[3] - q[0]*q[2])
	gy = g * 2 * (q[2]*q[3] + q[0]*q[1])
	gz = g * (1 - 2*(q[1]*q[1]+q[2]*q[2]))
	return gx, gy, gz
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

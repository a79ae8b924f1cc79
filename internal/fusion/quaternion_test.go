package fusion

import (
	"math"
	"testing"
)

func TestQuat_NormalizedUnit(t *testing.T) {
	q := Quat{2, 0, 0, 0}.Normalized()
	if math.Abs(q.Norm()-1) > 1e-12 {
		t.Fatalf("normalized norm = %f", q.Norm())
	}
}

func TestQuat_EulerIdentity(t *testing.T) {
	roll, pitch, yaw := IdentityQuat().Euler()
	if roll != 0 || pitch != 0 || yaw != 0 {
		t.Fatalf("identity euler = %f %f %f", roll, pitch, yaw)
	}
}

func TestQuat_EulerAsinClamped(t *testing.T) {
	// A slightly denormalised quaternion can push the asin argument past 1;
	// extraction must stay finite.
	q := Quat{0.7072, 0.0001, 0.7072, 0.0001}
	_, pitch, _ := q.Euler()
	if math.IsNaN(pitch) {
		t.Fatal("pitch is NaN for near-singular quaternion")
	}
}

func TestQuat_YawIntegration(t *testing.T) {
	// Integrate a constant 0.1 rad/s yaw rate for 10 s in small steps.
	q := IdentityQuat()
	dt := 0.01
	for i := 0; i < 1000; i++ {
		dq := q.Derivative(0, 0, 0.1)
		for j := 0; j < 4; j++ {
			q[j] += dq[j] * dt
		}
		q = q.Normalized()
	}
	_, _, yaw := q.Euler()
	if math.Abs(yaw-1.0) > 0.01 {
		t.Fatalf("integrated yaw = %f, want ~1.0", yaw)
	}
}

func TestQuat_GravityDeviceIdentity(t *testing.T) {
	gx, gy, gz := IdentityQuat().GravityDevice(9.81)
	if math.Abs(gx) > 1e-12 || math.Abs(gy) > 1e-12 || math.Abs(gz-9.81) > 1e-12 {
		t.Fatalf("gravity in device frame = %f %f %f", gx, gy, gz)
	}
}

func TestQuat_HeadingRange(t *testing.T) {
	for _, q := range []Quat{
		IdentityQuat(),
		{0.7071, 0, 0, 0.7071},
		{0.7071, 0, 0, -0.7071},
	} {
		h := q.HeadingDeg()
		if h < 0 || h >= 360 {
			t.Fatalf("heading %f out of [0, 360)", h)
		}
	}
}

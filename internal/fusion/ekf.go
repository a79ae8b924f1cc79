package fusion

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/roadsense/motiond/internal/config"
	"github.com/roadsense/motiond/internal/geo"
	"github.com/roadsense/motiond/internal/sensors"
)

// State vector layout: q0 q1 q2 q3 | bx by bz | vx vy vz | x y z
const (
	stateDim = 13
	idxQ     = 0
	idxB     = 4
	idxV     = 7
	idxP     = 10
)

// quatWarnDrift is the pre-renormalisation norm departure that indicates
// numerical trouble upstream.
const quatWarnDrift = 1e-2

// numericWarnInterval rate-limits NaN/Inf reset logging.
const numericWarnInterval = 10 * time.Second

// Environment supplies the calibration-derived quantities the filter needs.
type Environment interface {
	GravityMag() float64
	IsStationary() bool
}

// EKF is the 13-state bias-aware Extended Kalman Filter. The filter thread is
// the sole writer; Snapshot readers take a short critical section.
type EKF struct {
	mu  sync.Mutex
	cfg config.FilterConfig
	env Environment
	log logrus.FieldLogger

	x *mat.VecDense // 13x1
	p *mat.Dense    // 13x13

	origin      *geo.Origin
	lastPredict float64
	hasPredict  bool

	distance  float64
	lastFixE  float64
	lastFixN  float64
	hasFix    bool
	lastT     float64

	// last good snapshot for NaN/Inf recovery
	goodX *mat.VecDense
	goodP *mat.Dense

	lastGainNorm float64
	updateCount  uint64

	dtRejects       atomic.Uint64
	numericalResets atomic.Uint64
	lastNumericWarn time.Time

	// optional hook observing each update's wall time, set by the metrics
	// collector
	onUpdate func(kind sensors.Kind, elapsed time.Duration)
}

// NewEKF creates the filter with identity attitude, zero bias and high
// initial uncertainty.
func NewEKF(cfg config.FilterConfig, env Environment, origin *geo.Origin, log logrus.FieldLogger) *EKF {
	f := &EKF{
		cfg:    cfg,
		env:    env,
		log:    log.WithField("filter", "ekf13"),
		x:      mat.NewVecDense(stateDim, nil),
		p:      mat.NewDense(stateDim, stateDim, nil),
		origin: origin,
	}
	f.reset()
	return f
}

// Name identifies the filter in trajectories and metrics.
func (f *EKF) Name() string { return "ekf" }

// SetUpdateHook registers an observer for update wall times.
func (f *EKF) SetUpdateHook(hook func(kind sensors.Kind, elapsed time.Duration)) {
	f.onUpdate = hook
}

func (f *EKF) reset() {
	f.x.Zero()
	f.x.SetVec(idxQ, 1) // identity quaternion

	f.p.Zero()
	for i := 0; i < 4; i++ {
		f.p.Set(idxQ+i, idxQ+i, 0.01)
	}
	for i := 0; i < 3; i++ {
		f.p.Set(idxB+i, idxB+i, 0.01)
		f.p.Set(idxV+i, idxV+i, 25.0)
		f.p.Set(idxP+i, idxP+i, 100.0)
	}
	f.snapshotGood()
}

// InitBias seeds the bias state from the initial calibration estimate.
func (f *EKF) InitBias(bias [3]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < 3; i++ {
		f.x.SetVec(idxB+i, bias[i])
	}
	f.snapshotGood()
}

// Advance consumes one sample. Gyro samples drive prediction (or accel
// samples when gyro fusion is disabled); GPS and accel samples drive
// measurement updates.
func (f *EKF) Advance(s sensors.Sample) {
	start := time.Now()

	f.mu.Lock()
	switch s.Kind {
	case sensors.KindGyro:
		if f.cfg.EnableGyro {
			f.predictLocked(s.Timestamp, s.Gyro.X, s.Gyro.Y, s.Gyro.Z)
			if f.env.IsStationary() {
				f.gyroUpdateLocked(s.Gyro)
			}
		}
	case sensors.KindAccel:
		if !f.cfg.EnableGyro {
			f.predictLocked(s.Timestamp, 0, 0, 0)
		}
		f.accelUpdateLocked(s.Accel)
	case sensors.KindGPS:
		f.gpsUpdateLocked(s.Timestamp, s.GPS)
	}
	f.lastT = s.Timestamp
	f.guardLocked()
	f.mu.Unlock()

	if f.onUpdate != nil {
		f.onUpdate(s.Kind, time.Since(start))
	}
}

// predictLocked integrates the process model over dt. Non-positive or
// oversized intervals are skipped and counted.
func (f *EKF) predictLocked(t, wx, wy, wz float64) {
	if !f.hasPredict {
		f.hasPredict = true
		f.lastPredict = t
		return
	}
	dt := t - f.lastPredict
	if dt <= 0 || dt > f.cfg.MaxDt {
		f.dtRejects.Add(1)
		if dt > 0 {
			// An oversized gap still moves the reference point; otherwise a
			// single stall would reject every later prediction.
			f.lastPredict = t
		}
		return
	}
	f.lastPredict = t

	q := f.quatLocked()
	bx := f.x.AtVec(idxB)
	by := f.x.AtVec(idxB + 1)
	bz := f.x.AtVec(idxB + 2)
	cx, cy, cz := wx-bx, wy-by, wz-bz

	// q_{k+1} = normalize(q + q̇ dt), bias-corrected rate
	dq := q.Derivative(cx, cy, cz)
	next := Quat{
		q[0] + dq[0]*dt,
		q[1] + dq[1]*dt,
		q[2] + dq[2]*dt,
		q[3] + dq[3]*dt,
	}
	if math.Abs(next.Norm()-1) > quatWarnDrift {
		f.log.WithField("quat_norm", next.Norm()).Warn("quaternion norm drift before renormalisation")
	}
	f.setQuatLocked(next.Normalized())

	// p_{k+1} = p + v dt; v and b are random walks
	for i := 0; i < 3; i++ {
		f.x.SetVec(idxP+i, f.x.AtVec(idxP+i)+f.x.AtVec(idxV+i)*dt)
	}

	// P = F P Fᵀ + Q dt
	F := f.buildFLocked(dt, cx, cy, cz, q)
	var fp mat.Dense
	fp.Mul(F, f.p)
	var fpft mat.Dense
	fpft.Mul(&fp, F.T())
	f.p.Copy(&fpft)

	f.addProcessNoiseLocked(dt)
	f.symmetrizeLocked()
}

// buildFLocked assembles the state-transition Jacobian.
func (f *EKF) buildFLocked(dt, wx, wy, wz float64, q Quat) *mat.Dense {
	F := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		F.Set(i, i, 1)
	}

	h := dt / 2

	// ∂q/∂q = I + (dt/2) Ω(ω_corr)
	F.Set(idxQ, idxQ+1, -h*wx)
	F.Set(idxQ, idxQ+2, -h*wy)
	F.Set(idxQ, idxQ+3, -h*wz)
	F.Set(idxQ+1, idxQ, h*wx)
	F.Set(idxQ+1, idxQ+2, h*wz)
	F.Set(idxQ+1, idxQ+3, -h*wy)
	F.Set(idxQ+2, idxQ, h*wy)
	F.Set(idxQ+2, idxQ+1, -h*wz)
	F.Set(idxQ+2, idxQ+3, h*wx)
	F.Set(idxQ+3, idxQ, h*wz)
	F.Set(idxQ+3, idxQ+1, h*wy)
	F.Set(idxQ+3, idxQ+2, -h*wx)

	// ∂q/∂b = -(dt/2) Ξ(q): bias error feeds the corrected rate negatively
	F.Set(idxQ, idxB, h*q[1])
	F.Set(idxQ, idxB+1, h*q[2])
	F.Set(idxQ, idxB+2, h*q[3])
	F.Set(idxQ+1, idxB, -h*q[0])
	F.Set(idxQ+1, idxB+1, h*q[3])
	F.Set(idxQ+1, idxB+2, -h*q[2])
	F.Set(idxQ+2, idxB, -h*q[3])
	F.Set(idxQ+2, idxB+1, -h*q[0])
	F.Set(idxQ+2, idxB+2, h*q[1])
	F.Set(idxQ+3, idxB, h*q[2])
	F.Set(idxQ+3, idxB+1, -h*q[1])
	F.Set(idxQ+3, idxB+2, -h*q[0])

	// ∂p/∂v = dt I
	for i := 0; i < 3; i++ {
		F.Set(idxP+i, idxV+i, dt)
	}
	return F
}

func (f *EKF) addProcessNoiseLocked(dt float64) {
	for i := 0; i < 4; i++ {
		f.p.Set(idxQ+i, idxQ+i, f.p.At(idxQ+i, idxQ+i)+f.cfg.QuatProcessNoise*dt)
	}
	for i := 0; i < 3; i++ {
		f.p.Set(idxB+i, idxB+i, f.p.At(idxB+i, idxB+i)+f.cfg.BiasProcessNoise*dt)
		f.p.Set(idxV+i, idxV+i, f.p.At(idxV+i, idxV+i)+f.cfg.VelProcessNoise*dt)
		f.p.Set(idxP+i, idxP+i, f.p.At(idxP+i, idxP+i)+f.cfg.PosProcessNoise*dt)
	}
}

// gpsUpdateLocked applies the position observation and, when speed and
// bearing are present, a velocity observation with larger noise.
func (f *EKF) gpsUpdateLocked(t float64, fix *sensors.GPSData) {
	if !f.origin.IsSet() {
		f.origin.Set(fix.Latitude, fix.Longitude)
	}
	east, north := f.origin.ToENU(fix.Latitude, fix.Longitude)

	acc := fix.Accuracy
	if acc < 1 {
		acc = 1
	}
	H := mat.NewDense(2, stateDim, nil)
	H.Set(0, idxP, 1)
	H.Set(1, idxP+1, 1)
	z := mat.NewVecDense(2, []float64{east, north})
	zhat := mat.NewVecDense(2, []float64{f.x.AtVec(idxP), f.x.AtVec(idxP + 1)})
	R := mat.NewDense(2, 2, nil)
	R.Set(0, 0, acc*acc)
	R.Set(1, 1, acc*acc)
	f.kalmanUpdateLocked(H, z, zhat, R)

	if fix.Bearing != nil {
		theta := *fix.Bearing * math.Pi / 180
		ve := fix.Speed * math.Sin(theta)
		vn := fix.Speed * math.Cos(theta)

		Hv := mat.NewDense(2, stateDim, nil)
		Hv.Set(0, idxV, 1)
		Hv.Set(1, idxV+1, 1)
		zv := mat.NewVecDense(2, []float64{ve, vn})
		zhv := mat.NewVecDense(2, []float64{f.x.AtVec(idxV), f.x.AtVec(idxV + 1)})
		Rv := mat.NewDense(2, 2, nil)
		Rv.Set(0, 0, f.cfg.SpeedNoise*f.cfg.SpeedNoise)
		Rv.Set(1, 1, f.cfg.SpeedNoise*f.cfg.SpeedNoise)
		f.kalmanUpdateLocked(Hv, zv, zhv, Rv)
	}
	f.renormalizeLocked()

	// Distance accumulates along the filtered track at fix cadence.
	x, y := f.x.AtVec(idxP), f.x.AtVec(idxP+1)
	if f.hasFix {
		f.distance += math.Hypot(x-f.lastFixE, y-f.lastFixN)
	}
	f.hasFix = true
	f.lastFixE, f.lastFixN = x, y
}

// accelUpdateLocked applies the gravity-direction attitude observation,
// gated on the accel-magnitude residual so transient specific force does not
// poison the quaternion.
func (f *EKF) accelUpdateLocked(a *sensors.AccelData) {
	g := f.env.GravityMag()
	residual := a.Norm() - g
	if math.Abs(residual) > f.cfg.AccelGate {
		return
	}

	q := f.quatLocked()
	hx, hy, hz := q.GravityDevice(g)

	// H = ∂(C(q)ᵀ g)/∂x, nonzero only in the quaternion columns
	H := mat.NewDense(3, stateDim, nil)
	H.Set(0, idxQ, -2*g*q[2])
	H.Set(0, idxQ+1, 2*g*q[3])
	H.Set(0, idxQ+2, -2*g*q[0])
	H.Set(0, idxQ+3, 2*g*q[1])
	H.Set(1, idxQ, 2*g*q[1])
	H.Set(1, idxQ+1, 2*g*q[0])
	H.Set(1, idxQ+2, 2*g*q[3])
	H.Set(1, idxQ+3, 2*g*q[2])
	H.Set(2, idxQ+1, -4*g*q[1])
	H.Set(2, idxQ+2, -4*g*q[2])

	z := mat.NewVecDense(3, []float64{a.X, a.Y, a.Z})
	zhat := mat.NewVecDense(3, []float64{hx, hy, hz})
	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		R.Set(i, i, f.cfg.AccelNoise*f.cfg.AccelNoise)
	}
	f.kalmanUpdateLocked(H, z, zhat, R)
	f.renormalizeLocked()
}

// gyroUpdateLocked learns bias from stationary windows: ẑ = b, so with
// ω_true ≈ 0 the innovation is the bias error.
func (f *EKF) gyroUpdateLocked(w *sensors.GyroData) {
	H := mat.NewDense(3, stateDim, nil)
	for i := 0; i < 3; i++ {
		H.Set(i, idxB+i, 1)
	}
	z := mat.NewVecDense(3, []float64{w.X, w.Y, w.Z})
	zhat := mat.NewVecDense(3, []float64{
		f.x.AtVec(idxB), f.x.AtVec(idxB + 1), f.x.AtVec(idxB + 2),
	})
	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		R.Set(i, i, f.cfg.GyroNoise*f.cfg.GyroNoise)
	}
	f.kalmanUpdateLocked(H, z, zhat, R)
	f.renormalizeLocked()
}

// kalmanUpdateLocked runs one measurement update in Joseph form:
// P' = (I-KH) P (I-KH)ᵀ + K R Kᵀ.
func (f *EKF) kalmanUpdateLocked(H *mat.Dense, z, zhat *mat.VecDense, R *mat.Dense) {
	m, _ := H.Dims()

	// S = H P Hᵀ + R
	var hp mat.Dense
	hp.Mul(H, f.p)
	var s mat.Dense
	s.Mul(&hp, H.T())
	s.Add(&s, R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		f.log.WithField("dim", m).Warn("singular innovation covariance, skipping update")
		return
	}

	// K = P Hᵀ S⁻¹
	var pht mat.Dense
	pht.Mul(f.p, H.T())
	var k mat.Dense
	k.Mul(&pht, &sInv)
	f.lastGainNorm = mat.Norm(&k, 2)

	// x += K (z - ẑ)
	innov := mat.NewVecDense(m, nil)
	innov.SubVec(z, zhat)
	var corr mat.VecDense
	corr.MulVec(&k, innov)
	f.x.AddVec(f.x, &corr)

	// Joseph form
	var kh mat.Dense
	kh.Mul(&k, H)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)

	var left mat.Dense
	left.Mul(ikh, f.p)
	var joseph mat.Dense
	joseph.Mul(&left, ikh.T())

	var kr mat.Dense
	kr.Mul(&k, R)
	var krkt mat.Dense
	krkt.Mul(&kr, k.T())
	joseph.Add(&joseph, &krkt)

	f.p.Copy(&joseph)
	f.symmetrizeLocked()
	f.clampEigenvaluesLocked()
	f.updateCount++
}

// symmetrizeLocked enforces P = (P + Pᵀ)/2.
func (f *EKF) symmetrizeLocked() {
	for i := 0; i < stateDim; i++ {
		for j := i + 1; j < stateDim; j++ {
			v := 0.5 * (f.p.At(i, j) + f.p.At(j, i))
			f.p.Set(i, j, v)
			f.p.Set(j, i, v)
		}
	}
}

// clampEigenvaluesLocked keeps P positive semi-definite: if the Cholesky
// factorisation fails, a small additive regulariser is applied and escalated
// until it succeeds.
func (f *EKF) clampEigenvaluesLocked() {
	eps := 1e-9
	for attempt := 0; attempt < 4; attempt++ {
		sym := mat.NewSymDense(stateDim, nil)
		for i := 0; i < stateDim; i++ {
			for j := i; j < stateDim; j++ {
				sym.SetSym(i, j, f.p.At(i, j))
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(sym) {
			return
		}
		for i := 0; i < stateDim; i++ {
			f.p.Set(i, i, f.p.At(i, i)+eps)
		}
		eps *= 10
	}
}

// guardLocked detects NaN/Inf in the state or covariance and restores the
// last good snapshot. The filter must never crash the process.
func (f *EKF) guardLocked() {
	healthy := true
	for i := 0; i < stateDim && healthy; i++ {
		if !isFinite(f.x.AtVec(i)) {
			healthy = false
		}
	}
	for i := 0; i < stateDim && healthy; i++ {
		for j := 0; j < stateDim; j++ {
			if !isFinite(f.p.At(i, j)) {
				healthy = false
				break
			}
		}
	}

	if healthy {
		f.snapshotGood()
		return
	}

	f.numericalResets.Add(1)
	f.x.CopyVec(f.goodX)
	f.p.Copy(f.goodP)
	if time.Since(f.lastNumericWarn) >= numericWarnInterval {
		f.lastNumericWarn = time.Now()
		f.log.WithField("resets", f.numericalResets.Load()).
			Error("NaN/Inf in filter state, restored last good snapshot")
	}
}

func (f *EKF) snapshotGood() {
	if f.goodX == nil {
		f.goodX = mat.NewVecDense(stateDim, nil)
		f.goodP = mat.NewDense(stateDim, stateDim, nil)
	}
	f.goodX.CopyVec(f.x)
	f.goodP.Copy(f.p)
}

func (f *EKF) quatLocked() Quat {
	return Quat{f.x.AtVec(idxQ), f.x.AtVec(idxQ + 1), f.x.AtVec(idxQ + 2), f.x.AtVec(idxQ + 3)}
}

func (f *EKF) setQuatLocked(q Quat) {
	for i := 0; i < 4; i++ {
		f.x.SetVec(idxQ+i, q[i])
	}
}

func (f *EKF) renormalizeLocked() {
	f.setQuatLocked(f.quatLocked().Normalized())
}

// Snapshot returns the current state under a short critical section.
func (f *EKF) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.quatLocked()
	vx, vy, vz := f.x.AtVec(idxV), f.x.AtVec(idxV+1), f.x.AtVec(idxV+2)
	st := State{
		T:            f.lastT,
		X:            f.x.AtVec(idxP),
		Y:            f.x.AtVec(idxP + 1),
		Speed:        math.Sqrt(vx*vx + vy*vy + vz*vz),
		HeadingDeg:   q.HeadingDeg(),
		UncertaintyM: math.Sqrt(math.Max(0, f.p.At(idxP, idxP)+f.p.At(idxP+1, idxP+1))),
		Distance:     f.distance,
		Quat:         q,
		Bias: [3]float64{
			f.x.AtVec(idxB), f.x.AtVec(idxB + 1), f.x.AtVec(idxB + 2),
		},
		Vel: [3]float64{vx, vy, vz},
		Pos: [3]float64{
			f.x.AtVec(idxP), f.x.AtVec(idxP + 1), f.x.AtVec(idxP + 2),
		},
	}
	return st
}

// CovarianceDiag returns the leading n covariance diagonal entries and the
// full trace.
func (f *EKF) CovarianceDiag(n int) (diag []float64, trace float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	diag = make([]float64, n)
	for i := 0; i < stateDim; i++ {
		v := f.p.At(i, i)
		trace += v
		if i < n {
			diag[i] = v
		}
	}
	return diag, trace
}

// LastGainNorm returns the Frobenius norm of the most recent Kalman gain.
func (f *EKF) LastGainNorm() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGainNorm
}

// DtRejects counts skipped predictions due to out-of-range intervals.
func (f *EKF) DtRejects() uint64 { return f.dtRejects.Load() }

// NumericalResets counts NaN/Inf recoveries.
func (f *EKF) NumericalResets() uint64 { return f.numericalResets.Load() }

// UpdateCount returns the number of measurement updates applied.
func (f *EKF) UpdateCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCount
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

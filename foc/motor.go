// Package foc implements the per-phase current-control core of a brushless
// servo drive: the arm/disarm safety state machine, the field-oriented
// current controller, space-vector modulation, self-calibration of the phase
// resistance and inductance, the induction-motor rotor-flux/slip model, and
// the per-tick current-limit aggregation.
//
// Hardware access is abstracted behind the injected capability pair in
// Hardware; the core never touches registers. One Motor is driven by exactly
// one control goroutine; the only concurrent reader is the hardware-apply
// path calling LatchTimings once per PWM period.
package foc

import (
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Sense amplifier setup margins. The trip level sits at the edge of the
// amplifier's linear range, margin below it is the usable control range.
const (
	senseMargin    = 0.90
	senseTripRatio = 1.0 / senseMargin
	maxOutputSwing = 1.35 // [V] out of the amplifier
)

// CurrentControlState is the volatile controller state, reset on every arm.
// Gains are derived from the config and must never be stale while control
// runs; they are recomputed through UpdateCurrentControllerGains whenever
// phase resistance or inductance changes.
type CurrentControlState struct {
	PGain float64 // [V/A]
	IGain float64 // [V/As]

	VIntegralD float64 // [V]
	VIntegralQ float64 // [V]

	IdSetpoint float64 // [A]
	IqSetpoint float64 // [A]
	IdMeasured float64 // [A] low-pass filtered, reporting only
	IqMeasured float64 // [A] low-pass filtered, reporting only
	IBus       float64 // [A] power-balance estimate

	MaxAllowedCurrent    float64 // [A] linear range of the sense hardware
	OvercurrentTripLevel float64 // [A]

	ACIMRotorFlux    float64 // [A] normalized to track Id
	AsyncPhaseVel    float64 // [rad/s] reporting only
	AsyncPhaseOffset float64 // [rad]

	FinalVAlpha float64 // [V] applied stationary-frame voltage, diagnostic
	FinalVBeta  float64 // [V]

	measReportFilterK float64
}

// Motor is one drive axis' current-control core.
type Motor struct {
	cfg    *Config
	logger logging.Logger

	meas       MeasurementSource
	pwm        PWMOutput
	gate       GateDriver
	amp        SenseAmplifier
	fetTherm   ThermalLimiter
	motorTherm ThermalLimiter
	trace      TraceFunc

	samplePeriod    float64 // [s] one control tick
	sampleRate      float64 // [Hz]
	pwmPeriodClocks int     // timer counts per PWM period

	shuntConductance    float64 // [1/Ohm]
	phaseCurrentRevGain float64 // 1/(actual amplifier gain)

	armed          bool
	calibrated     bool
	errMask        ErrorFlag
	missedDeadline bool

	// Single-writer (control tick) / single-reader (LatchTimings at the
	// PWM edge) handoff. The writer completes before the reader's edge by
	// the real-time contract, so a flag plus buffer suffices.
	nextTimings      [3]uint16
	nextTimingsValid bool

	cc           CurrentControlState
	effectiveLim float64
}

// NewMotor builds a motor core around the given config and hardware.
// sampleRate is the control-loop rate in Hz (one tick per PWM period),
// pwmPeriodClocks the timer counts per period, shuntConductance the inverse
// of the shunt resistance.
func NewMotor(cfg *Config, hw Hardware, sampleRate float64, pwmPeriodClocks int, shuntConductance float64, logger logging.Logger) (*Motor, error) {
	if err := cfg.Verify(); err != nil {
		return nil, errors.Wrap(err, "invalid motor config")
	}
	if hw.Meas == nil || hw.PWM == nil {
		return nil, errors.New("measurement source and PWM output are required")
	}
	if sampleRate <= 0 || pwmPeriodClocks <= 0 {
		return nil, errors.Errorf("invalid timing parameters: rate=%v period_clocks=%d", sampleRate, pwmPeriodClocks)
	}

	m := &Motor{
		cfg:              cfg,
		logger:           logger,
		meas:             hw.Meas,
		pwm:              hw.PWM,
		gate:             hw.Gate,
		amp:              hw.Amp,
		fetTherm:         hw.FetThermistor,
		motorTherm:       hw.MotorThermistor,
		trace:            hw.Trace,
		samplePeriod:     1.0 / sampleRate,
		sampleRate:       sampleRate,
		pwmPeriodClocks:  pwmPeriodClocks,
		shuntConductance: shuntConductance,
		// Identity until Setup negotiates a gain.
		phaseCurrentRevGain: 1.0,
	}
	m.cc.measReportFilterK = 1.0
	m.cc.MaxAllowedCurrent = math.Inf(1)
	m.cc.OvercurrentTripLevel = math.Inf(1)
	m.calibrated = cfg.PreCalibrated
	m.UpdateCurrentControllerGains()
	return m, nil
}

// UpdateCurrentControllerGains retunes the current controller from phase
// resistance and inductance. Invoke whenever either value changes.
func (m *Motor) UpdateCurrentControllerGains() {
	if m.cfg.PhaseInductance <= 0 {
		// Not yet calibrated; closed-loop current control is unreachable
		// until RunCalibration fills the phase parameters in.
		m.cc.PGain = 0
		m.cc.IGain = 0
		return
	}
	m.cc.PGain = m.cfg.CurrentControlBandwidth * m.cfg.PhaseInductance
	plantPole := m.cfg.PhaseResistance / m.cfg.PhaseInductance
	m.cc.IGain = plantPole * m.cc.PGain
}

// Setup initializes the gate driver and negotiates the sense amplifier gain,
// deriving the usable current range and the overcurrent trip level. Must run
// before the first Arm.
func (m *Motor) Setup() error {
	if m.gate != nil {
		if err := m.gate.Init(); err != nil {
			m.SetError(ErrorDrvFault)
			return errors.Wrap(err, "gate driver init")
		}
	}
	if m.amp == nil {
		return nil
	}

	// Solve for the exact gain, then let the amplifier snap to a realizable
	// value with equal or larger range than requested.
	maxUnityGainCurrent := senseMargin * maxOutputSwing * m.shuntConductance // [A]
	requestedGain := maxUnityGainCurrent / m.cfg.RequestedCurrentRange       // [V/V]
	actualGain, err := m.amp.SetGain(requestedGain)
	if err != nil {
		return errors.Wrap(err, "sense amplifier gain negotiation")
	}

	m.phaseCurrentRevGain = 1.0 / actualGain
	m.cc.MaxAllowedCurrent = maxUnityGainCurrent * m.phaseCurrentRevGain
	m.cc.OvercurrentTripLevel = senseTripRatio * m.cc.MaxAllowedCurrent
	return nil
}

// PhaseCurrentFromADC converts a raw 12-bit phase-current ADC reading to
// amps using the negotiated amplifier gain and the shunt conductance.
func (m *Motor) PhaseCurrentFromADC(adcValue uint32) float64 {
	adcvalBal := int(adcValue) - (1 << 11)
	ampOutVolt := (3.3 / float64(int(1)<<12)) * float64(adcvalBal)
	shuntVolt := ampOutVolt * m.phaseCurrentRevGain
	return shuntVolt * m.shuntConductance
}

// Arm resets the controller state and unlocks the power stage. It blocks
// until two consecutive valid current measurements have occurred, bounding
// the time to the first control deadline; on measurement timeout it raises
// ErrorCurrentMeasurementTimeout and the motor stays disarmed.
//
// Arming does not yet energize the outputs: the stage stays floating until
// the control loop latches its first valid timing triple.
func (m *Motor) Arm() error {
	if m.errMask != ErrorNone {
		return errors.Errorf("cannot arm with pending faults: %s", m.errMask)
	}

	m.resetCurrentControl()

	// Give the control loop a full time quota before its first deadline.
	for i := 0; i < 2; i++ {
		if !m.meas.WaitForCurrentMeas() {
			return m.SetError(ErrorCurrentMeasurementTimeout)
		}
	}

	m.nextTimingsValid = false
	m.missedDeadline = false
	m.armed = true
	m.pwm.Arm()
	m.logger.Debugf("motor armed (type=%s)", m.cfg.MotorType)
	return nil
}

func (m *Motor) resetCurrentControl() {
	m.cc.VIntegralD = 0
	m.cc.VIntegralQ = 0
	m.cc.IdSetpoint = 0
	m.cc.IqSetpoint = 0
	m.cc.ACIMRotorFlux = 0
	m.cc.AsyncPhaseOffset = 0
	m.cc.AsyncPhaseVel = 0
	m.cc.IBus = 0
}

// Disarm floats the outputs without raising a fault. This is the explicit
// stop path; faults disarm through SetError instead.
func (m *Motor) Disarm() {
	if m.armed {
		m.logger.Debug("motor disarmed")
	}
	m.armed = false
	m.nextTimingsValid = false
	m.pwm.Float()
}

// SetError ORs a fault into the sticky aggregate mask and forces a disarm
// with all phases floating. This is the single stop-request path shared by
// the controller, limiter, calibrator and the polled hardware checks. The
// returned error reports the fault for the caller's error path.
func (m *Motor) SetError(flag ErrorFlag) error {
	m.errMask |= flag
	if m.armed {
		m.logger.Warnf("motor fault, disarming: %s", flag)
	}
	m.armed = false
	m.nextTimingsValid = false
	m.pwm.Float()
	return &FaultError{Flag: flag}
}

// Errors returns the sticky aggregate fault mask.
func (m *Motor) Errors() ErrorFlag { return m.errMask }

// ClearErrors resets the aggregate mask. The surrounding system calls this
// before an explicit re-arm or re-calibration once the cause is resolved.
func (m *Motor) ClearErrors() { m.errMask = ErrorNone }

// Armed reports whether modulation timings may reach the power stage.
func (m *Motor) Armed() bool { return m.armed }

// IsCalibrated reports whether phase parameters are trusted.
func (m *Motor) IsCalibrated() bool { return m.calibrated }

// MissedControlDeadline reports whether the hardware-apply path ever found
// no valid timings at a PWM edge while armed. This condition originates at
// the interrupt boundary, not in the control algorithm, and is therefore
// kept distinct from the fault mask; either way the motor is no longer
// driven.
func (m *Motor) MissedControlDeadline() bool { return m.missedDeadline }

// State returns a snapshot of the volatile controller state.
func (m *Motor) State() CurrentControlState { return m.cc }

// Config returns the motor's configuration.
func (m *Motor) Config() *Config { return m.cfg }

// DoChecks polls the gate driver and thermistors. These are the only checks
// that may pass again after a prior failure once the surrounding system
// clears the cause; the mask itself stays sticky.
func (m *Motor) DoChecks() error {
	if m.gate != nil && m.gate.Faulted() {
		return m.SetError(ErrorDrvFault)
	}
	if m.motorTherm != nil && m.motorTherm.OverTemp() {
		return m.SetError(ErrorMotorThermistorOverTemp)
	}
	if m.fetTherm != nil && m.fetTherm.OverTemp() {
		return m.SetError(ErrorFetThermistorOverTemp)
	}
	return nil
}

// EffectiveCurrentLim aggregates the configured, hardware and thermal
// current limits into the tick's effective limit. Gimbal motors have no
// current sensing; their ceiling is the modulation-implied one. The result
// is cached and reused by the controller and the torque queries until the
// next call.
func (m *Motor) EffectiveCurrentLim() float64 {
	currentLim := m.cfg.CurrentLim
	if m.cfg.MotorType == MotorTypeGimbal {
		currentLim = math.Min(currentLim, 0.98*oneBySqrt3*m.meas.BusVoltage())
	} else {
		currentLim = math.Min(currentLim, m.cc.MaxAllowedCurrent)
	}
	if m.motorTherm != nil {
		currentLim = math.Min(currentLim, m.motorTherm.CurrentLimit(m.cfg.CurrentLim))
	}
	if m.fetTherm != nil {
		currentLim = math.Min(currentLim, m.fetTherm.CurrentLimit(m.cfg.CurrentLim))
	}
	m.effectiveLim = currentLim
	return currentLim
}

// MaxAvailableTorque returns the torque ceiling at the cached effective
// current limit. For ACIM motors it scales with the estimated rotor flux:
// without established flux an induction motor produces no torque, so zero
// flux legitimately means zero available torque.
func (m *Motor) MaxAvailableTorque() float64 {
	maxTorque := m.effectiveLim * m.cfg.TorqueConstant
	if m.cfg.MotorType == MotorTypeACIM {
		maxTorque *= m.cc.ACIMRotorFlux
	}
	return clamp(maxTorque, 0, m.cfg.TorqueLim)
}

// enqueueModulationTimings converts a normalized modulation vector to timer
// counts and marks the pending buffer valid for the next PWM edge.
func (m *Motor) enqueueModulationTimings(modAlpha, modBeta float64) error {
	if math.IsNaN(modAlpha) || math.IsNaN(modBeta) ||
		math.IsInf(modAlpha, 0) || math.IsInf(modBeta, 0) {
		return m.SetError(ErrorModulationIsNaN)
	}
	ta, tb, tc, ok := svm(modAlpha, modBeta)
	if !ok {
		return m.SetError(ErrorModulationMagnitude)
	}
	m.nextTimings[0] = uint16(ta * float64(m.pwmPeriodClocks))
	m.nextTimings[1] = uint16(tb * float64(m.pwmPeriodClocks))
	m.nextTimings[2] = uint16(tc * float64(m.pwmPeriodClocks))
	m.nextTimingsValid = true
	return nil
}

// enqueueVoltageTimings normalizes a stationary-frame voltage by the live
// bus voltage before modulation. Both online control and calibration go
// through this same primitive so their numeric behavior matches.
func (m *Motor) enqueueVoltageTimings(vAlpha, vBeta float64) error {
	vfactor := 1.0 / ((2.0 / 3.0) * m.meas.BusVoltage())
	return m.enqueueModulationTimings(vfactor*vAlpha, vfactor*vBeta)
}

// LatchTimings is called by the hardware-apply path once per PWM period. It
// consumes the pending timing triple exactly once. While armed, a missing
// valid triple is a fatal timing-deadline miss: the outputs float and the
// motor degrades to disarmed.
func (m *Motor) LatchTimings() ([3]uint16, bool) {
	if !m.armed {
		return [3]uint16{}, false
	}
	if !m.nextTimingsValid {
		m.missedDeadline = true
		m.logger.Warn("missed control deadline, floating outputs")
		m.armed = false
		m.pwm.Float()
		return [3]uint16{}, false
	}
	t := m.nextTimings
	m.nextTimingsValid = false
	return t, true
}

// focVoltage applies a d/q voltage open loop: inverse Park, bus-voltage
// normalization, modulation. Used by voltage-mode (gimbal) motors and by
// calibration; there is no current feedback on this path.
func (m *Motor) focVoltage(vd, vq, pwmPhase float64) error {
	c := math.Cos(pwmPhase)
	s := math.Sin(pwmPhase)
	vAlpha := c*vd - s*vq
	vBeta := c*vq + s*vd
	return m.enqueueVoltageTimings(vAlpha, vBeta)
}

// focCurrent runs one tick of closed-loop d/q current control and hands the
// result to the modulator. iPhase is the rotor electrical phase used for the
// measurement transform; pwmPhase is the extrapolated phase at which the
// voltage will actually be applied.
func (m *Motor) focCurrent(idDes, iqDes, iPhase, pwmPhase, phaseVel float64) error {
	cc := &m.cc

	// For reporting.
	cc.IqSetpoint = iqDes

	meas := m.meas.PhaseCurrents()

	// A saturated sense amplifier means the measurement cannot be trusted;
	// control must not proceed on it.
	if math.Abs(meas.PhB) > cc.OvercurrentTripLevel || math.Abs(meas.PhC) > cc.OvercurrentTripLevel {
		return m.SetError(ErrorCurrentSenseSaturation)
	}

	// Clarke transform; phase A by Kirchhoff.
	iAlpha := -meas.PhB - meas.PhC
	iBeta := oneBySqrt3 * (meas.PhB - meas.PhC)

	// Park transform.
	cI := math.Cos(iPhase)
	sI := math.Sin(iPhase)
	id := cI*iAlpha + sI*iBeta
	iq := cI*iBeta - sI*iAlpha

	// Filtered values are reporting-only and never feed back into control.
	cc.IqMeasured += cc.measReportFilterK * (iq - cc.IqMeasured)
	cc.IdMeasured += cc.measReportFilterK * (id - cc.IdMeasured)

	iTrip := m.effectiveLim + m.cfg.CurrentLimMargin
	if id*id+iq*iq > iTrip*iTrip {
		return m.SetError(ErrorCurrentLimitViolation)
	}

	iErrD := idDes - id
	iErrQ := iqDes - iq

	vd := cc.VIntegralD + iErrD*cc.PGain
	vq := cc.VIntegralQ + iErrQ*cc.PGain

	if m.cfg.RLFFEnable {
		vd -= phaseVel * m.cfg.PhaseInductance * iqDes
		vq += phaseVel * m.cfg.PhaseInductance * idDes
		vd += m.cfg.PhaseResistance * idDes
		vq += m.cfg.PhaseResistance * iqDes
	}
	if m.cfg.BEMFFFEnable {
		vq += phaseVel * (2.0 / 3.0) * (m.cfg.TorqueConstant / float64(m.cfg.PolePairs))
	}

	modToV := (2.0 / 3.0) * m.meas.BusVoltage()
	vToMod := 1.0 / modToV
	modD := vToMod * vd
	modQ := vToMod * vq

	// Vector modulation saturation: scale uniformly back into range and lock
	// the integrators, decaying them instead of accumulating further.
	// Integration resumes as soon as the vector is back inside.
	modScaleFactor := 0.80 * sqrt3By2 / math.Sqrt(modD*modD+modQ*modQ)
	if modScaleFactor < 1.0 {
		modD *= modScaleFactor
		modQ *= modScaleFactor
		cc.VIntegralD *= 0.99
		cc.VIntegralQ *= 0.99
	} else {
		cc.VIntegralD += iErrD * (cc.IGain * m.samplePeriod)
		cc.VIntegralQ += iErrQ * (cc.IGain * m.samplePeriod)
	}

	// Power-balance bus current estimate, reporting only.
	cc.IBus = modD*id + modQ*iq

	// Inverse Park at the PWM-extrapolated phase.
	cP := math.Cos(pwmPhase)
	sP := math.Sin(pwmPhase)
	modAlpha := cP*modD - sP*modQ
	modBeta := cP*modQ + sP*modD

	cc.FinalVAlpha = modToV * modAlpha
	cc.FinalVBeta = modToV * modBeta

	if err := m.enqueueModulationTimings(modAlpha, modBeta); err != nil {
		return err
	}

	if m.trace != nil {
		m.trace(TraceSample{
			IAlpha:      iAlpha,
			IBeta:       iBeta,
			IntegralD:   cc.VIntegralD,
			IntegralQ:   cc.VIntegralQ,
			FinalVAlpha: cc.FinalVAlpha,
			FinalVBeta:  cc.FinalVBeta,
		})
	}
	return nil
}

// Update executes one control tick: torque setpoint, rotor electrical phase
// and electrical angular velocity in, switching timings out. For ACIM motors
// the rotor-flux/slip model runs first and adjusts the commanded phase and
// velocity. The high-current and ACIM paths deliberately share the same
// current-mode control law; flux/slip handling is a pre-step, not a
// distinct controller.
func (m *Motor) Update(torqueSetpoint, phase, phaseVel float64) error {
	phase *= m.cfg.Direction
	phaseVel *= m.cfg.Direction

	var currentSetpoint float64
	if m.cfg.MotorType == MotorTypeACIM {
		currentSetpoint = torqueSetpoint / (m.cfg.TorqueConstant * math.Max(m.cc.ACIMRotorFlux, m.cfg.ACIMGainMinFlux))
	} else {
		currentSetpoint = torqueSetpoint / m.cfg.TorqueConstant
	}
	currentSetpoint *= m.cfg.Direction

	ilim := m.effectiveLim
	id := clamp(m.cc.IdSetpoint, -ilim, ilim)
	iq := clamp(currentSetpoint, -ilim, ilim)

	if m.cfg.MotorType == MotorTypeACIM {
		id, phase, phaseVel = m.acimUpdate(id, iq, phase, phaseVel)
	}

	// Compensate the one-and-a-half-period latency between computing a
	// voltage and the hardware applying it.
	pwmPhase := phase + 1.5*m.samplePeriod*phaseVel

	switch m.cfg.MotorType {
	case MotorTypeHighCurrent:
		return m.focCurrent(id, iq, phase, pwmPhase, phaseVel)
	case MotorTypeACIM:
		return m.focCurrent(id, iq, phase, pwmPhase, phaseVel)
	case MotorTypeGimbal:
		return m.focVoltage(id, iq, pwmPhase)
	default:
		return m.SetError(ErrorNotImplementedMotorType)
	}
}

// RunControlLoop drives the tick callback at the measurement cadence until
// it returns false or a fault aborts the loop. Each iteration refreshes the
// effective current limit and runs the polled hardware checks before the
// callback; the fault mask is the loop's only cancellation mechanism.
//
// The caller owns the ticks exclusively while this runs: calibration and
// normal control are never both reachable at once for a given motor.
func (m *Motor) RunControlLoop(tick func() bool) {
	for {
		if m.errMask != ErrorNone {
			return
		}
		m.EffectiveCurrentLim()
		if err := m.DoChecks(); err != nil {
			return
		}
		if !tick() {
			return
		}
		if !m.meas.WaitForCurrentMeas() {
			m.SetError(ErrorCurrentMeasurementTimeout)
			return
		}
	}
}

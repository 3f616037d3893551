package foc

// PhaseCurrents carries the two shunt-measured phase currents of one sample.
// Phase A is reconstructed algebraically (iA = -iB - iC) and is never
// measured directly.
type PhaseCurrents struct {
	PhB float64 // [A]
	PhC float64 // [A]
}

// MeasurementSource is the injected view of the current-sense/ADC hardware.
// Implementations must keep PhaseCurrents and BusVoltage non-blocking; the
// only blocking call is the measurement handshake.
type MeasurementSource interface {
	// WaitForCurrentMeas blocks until the next current sample has been
	// latched, returning false on timeout. This is the control loop's tick
	// cadence: one successful wait corresponds to exactly one PWM period.
	WaitForCurrentMeas() bool

	// PhaseCurrents returns the most recently latched sample.
	PhaseCurrents() PhaseCurrents

	// BusVoltage returns the most recent DC bus voltage sample. [V]
	BusVoltage() float64
}

// PWMOutput is the injected power-stage gate control. Timings themselves are
// pulled by the hardware-apply path through Motor.LatchTimings; this
// interface only switches the stage between locked-out and driven.
type PWMOutput interface {
	// Arm unlocks the outputs. The stage stays floating until the first
	// valid timing triple is latched.
	Arm()

	// Float forces all phases high-impedance immediately. Must be safe to
	// call from any state and must never short phases.
	Float()
}

// GateDriver exposes the gate-driver chip's health to the per-tick checks.
type GateDriver interface {
	Init() error
	Faulted() bool
}

// SenseAmplifier negotiates the current-sense gain during setup. The
// implementation snaps the requested gain to the nearest realizable value
// and returns what was actually programmed.
type SenseAmplifier interface {
	SetGain(requested float64) (actual float64, err error)
}

// ThermalLimiter is a thermistor-backed current limiter owned by the
// surrounding system. CurrentLimit must be monotonic and never exceed the
// configured limit it is given.
type ThermalLimiter interface {
	CurrentLimit(configured float64) float64
	OverTemp() bool
}

// TraceSample is one control tick's diagnostic snapshot, delivered to an
// optional trace callback in place of the firmware-style global capture
// buffer.
type TraceSample struct {
	IAlpha      float64
	IBeta       float64
	IntegralD   float64
	IntegralQ   float64
	FinalVAlpha float64
	FinalVBeta  float64
}

// TraceFunc receives per-tick samples while current control runs. It is
// called from the control tick and must not block.
type TraceFunc func(TraceSample)

// Hardware bundles the injected capabilities a Motor drives. Meas and PWM
// are required; the rest may be nil when the corresponding hardware is
// absent (no gate fault line, no thermistors, fixed-gain amplifier).
type Hardware struct {
	Meas            MeasurementSource
	PWM             PWMOutput
	Gate            GateDriver
	Amp             SenseAmplifier
	FetThermistor   ThermalLimiter
	MotorThermistor ThermalLimiter
	Trace           TraceFunc
}

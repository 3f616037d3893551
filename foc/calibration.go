package foc

import (
	"github.com/pkg/errors"
)

// Inductance sanity band. Values outside it mean an open phase, a shorted
// phase or a grossly wrong measurement, none of which should be controlled.
const (
	minPhaseInductance = 2e-6    // [H]
	maxPhaseInductance = 4000e-6 // [H]
)

// MeasurePhaseResistance drives a DC test current along phase A by
// integrating the applied voltage against the measured current, then derives
// the phase resistance from the settled voltage. The test runs for three
// seconds; if the required voltage exceeds maxVoltage in either direction
// the motor faults with ErrorPhaseResistanceOutOfRange.
//
// On success the measured resistance is stored in the config. The controller
// gains are not retuned here; RunCalibration does that once both phase
// parameters are known.
func (m *Motor) MeasurePhaseResistance(testCurrent, maxVoltage float64) error {
	const kI = 10.0 // [(V/s)/A]
	numTestCycles := int(3.0 / m.samplePeriod)

	testVoltage := 0.0
	var tickErr error

	i := 0
	m.RunControlLoop(func() bool {
		meas := m.meas.PhaseCurrents()
		iAlpha := -(meas.PhB + meas.PhC)
		testVoltage += (kI * m.samplePeriod) * (testCurrent - iAlpha)
		if testVoltage > maxVoltage || testVoltage < -maxVoltage {
			tickErr = m.SetError(ErrorPhaseResistanceOutOfRange)
			return false
		}

		// Test voltage along phase A.
		if err := m.enqueueVoltageTimings(testVoltage, 0.0); err != nil {
			tickErr = err
			return false
		}

		i++
		return i < numTestCycles
	})
	if tickErr != nil {
		return tickErr
	}
	if m.errMask != ErrorNone {
		return &FaultError{Flag: m.errMask}
	}

	m.cfg.PhaseResistance = testVoltage / testCurrent
	return nil
}

// MeasurePhaseInductance alternates two test voltages along phase A on even
// and odd ticks and derives the phase inductance from the difference of the
// accumulated current responses. A result inside the sanity band is stored in
// the config; a value outside it faults the motor with
// ErrorPhaseInductanceOutOfRange and leaves the config untouched.
func (m *Motor) MeasurePhaseInductance(voltageLow, voltageHigh float64) error {
	const numCycles = 5000

	testVoltages := [2]float64{voltageLow, voltageHigh}
	var iAlphas [2]float64
	var tickErr error

	t := 0
	m.RunControlLoop(func() bool {
		i := t & 1
		meas := m.meas.PhaseCurrents()
		iAlphas[i] += -meas.PhB - meas.PhC

		// Test voltage along phase A.
		if err := m.enqueueVoltageTimings(testVoltages[i], 0.0); err != nil {
			tickErr = err
			return false
		}

		t++
		return t < numCycles*2
	})
	if tickErr != nil {
		return tickErr
	}
	if m.errMask != ErrorNone {
		return &FaultError{Flag: m.errMask}
	}

	vL := 0.5 * (voltageHigh - voltageLow)
	// A more correct formula would account for the finite timestep, but the
	// discretization in the current control loop inverts the same
	// discrepancy.
	dIByDt := (iAlphas[1] - iAlphas[0]) / (m.samplePeriod * float64(numCycles))
	inductance := vL / dIByDt

	if inductance < minPhaseInductance || inductance > maxPhaseInductance {
		return m.SetError(ErrorPhaseInductanceOutOfRange)
	}
	m.cfg.PhaseInductance = inductance
	return nil
}

// RunCalibration measures the phase resistance and inductance appropriate
// for the motor type, retunes the current controller from the results and
// marks the motor calibrated. The motor arms for the duration of the
// measurements and disarms before returning. Gimbal motors run in voltage
// mode and need no measurement; they are marked calibrated directly.
func (m *Motor) RunCalibration() error {
	if m.errMask != ErrorNone {
		return errors.Errorf("cannot calibrate with pending faults: %s", m.errMask)
	}

	switch m.cfg.MotorType {
	case MotorTypeHighCurrent, MotorTypeACIM:
		if err := m.Arm(); err != nil {
			return err
		}
		defer m.Disarm()
		maxVoltage := m.cfg.ResistanceCalibMaxVoltage
		if err := m.MeasurePhaseResistance(m.cfg.CalibrationCurrent, maxVoltage); err != nil {
			return err
		}
		if err := m.MeasurePhaseInductance(-maxVoltage, maxVoltage); err != nil {
			return err
		}
	case MotorTypeGimbal:
		// Voltage mode, no measurement needed.
	default:
		return m.SetError(ErrorNotImplementedMotorType)
	}

	m.UpdateCurrentControllerGains()
	m.calibrated = true
	m.logger.Infof("calibration complete: R=%.4f Ohm L=%.2f uH",
		m.cfg.PhaseResistance, m.cfg.PhaseInductance*1e6)
	return nil
}

package foc

import "math"

// acimUpdate runs one tick of the induction-motor rotor-flux estimator and
// slip calculation. It returns the adjusted d-axis current command and the
// slip-advanced electrical phase and velocity that the shared current-mode
// control law then operates on.
//
// The current commands actually take effect one and a half PWM cycles later,
// but the rotor time constant is slow enough that modeling the effect as
// immediate is fine.
func (m *Motor) acimUpdate(id, iq, phase, phaseVel float64) (float64, float64, float64) {
	cc := &m.cc

	if m.cfg.ACIMAutofluxEnable {
		// Track |iq| with separate attack and decay rates: more torque
		// demand, more magnetizing current.
		absIq := math.Abs(iq)
		gain := m.cfg.ACIMAutofluxDecayGain
		if absIq > id {
			gain = m.cfg.ACIMAutofluxAttackGain
		}
		id += gain * (absIq - id) * m.samplePeriod
		id = clamp(id, m.cfg.ACIMAutofluxMinID, m.effectiveLim)
		cc.IdSetpoint = id
	}

	// Rotor flux is normalized to units of [A] tracking Id; rotor inductance
	// is unspecified.
	cc.ACIMRotorFlux += m.cfg.ACIMSlipVelocity * (id - cc.ACIMRotorFlux) * m.samplePeriod

	slipVel := m.cfg.ACIMSlipVelocity * (iq / cc.ACIMRotorFlux)
	// Small flux makes the ratio degenerate, and a slip faster than a tenth
	// of the control rate cannot be synthesized anyway.
	if math.IsNaN(slipVel) || math.Abs(slipVel) > 0.1*m.sampleRate {
		slipVel = 0
	}
	phaseVel += slipVel
	// Reporting only.
	cc.AsyncPhaseVel = slipVel

	cc.AsyncPhaseOffset += slipVel * m.samplePeriod
	cc.AsyncPhaseOffset = wrapToPi(cc.AsyncPhaseOffset)
	phase = wrapToPi(phase + cc.AsyncPhaseOffset)

	return id, phase, phaseVel
}

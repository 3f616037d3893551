package foc

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// MotorType selects the control path. The variant set is closed; there is no
// runtime registration of new motor types.
type MotorType int

const (
	// MotorTypeHighCurrent is a standard shunt-sensed brushless motor under
	// closed-loop current control.
	MotorTypeHighCurrent MotorType = iota
	// MotorTypeGimbal is a high-resistance motor driven open-loop in voltage
	// mode; commanded "currents" are interpreted as voltages.
	MotorTypeGimbal
	// MotorTypeACIM is an asynchronous induction motor; torque production
	// requires rotor flux established via slip.
	MotorTypeACIM
)

func (t MotorType) String() string {
	switch t {
	case MotorTypeHighCurrent:
		return "high_current"
	case MotorTypeGimbal:
		return "gimbal"
	case MotorTypeACIM:
		return "acim"
	default:
		return "unimplemented"
	}
}

// MotorTypeFromString parses the configuration-surface spelling of a motor
// type. Unrecognized spellings map to a sentinel that fails in Update and
// RunCalibration rather than here, so a bad persisted config is still
// loadable.
func MotorTypeFromString(s string) MotorType {
	switch s {
	case "high_current":
		return MotorTypeHighCurrent
	case "gimbal":
		return MotorTypeGimbal
	case "acim":
		return MotorTypeACIM
	default:
		return MotorType(-1)
	}
}

// Config holds the persisted per-motor parameters. All quantities are SI
// unless noted. PhaseResistance and PhaseInductance are mutated by
// calibration; every mutation must be followed by a call to
// Motor.UpdateCurrentControllerGains.
type Config struct {
	MotorType MotorType

	PhaseResistance float64 // [Ohm]
	PhaseInductance float64 // [H]

	CurrentControlBandwidth float64 // [rad/s]
	TorqueConstant          float64 // [Nm/A]
	TorqueLim               float64 // [Nm]
	CurrentLim              float64 // [A]
	CurrentLimMargin        float64 // [A] tolerance beyond the effective limit before tripping
	PolePairs               int
	Direction               float64 // +1 or -1

	CalibrationCurrent        float64 // [A]
	ResistanceCalibMaxVoltage float64 // [V]
	RequestedCurrentRange     float64 // [A] desired linear range of the sense amplifier

	RLFFEnable   bool // resistive + inductive cross-coupling feed-forward
	BEMFFFEnable bool // back-EMF feed-forward on the q axis

	ACIMSlipVelocity      float64 // [rad/s] 1/rotor time constant
	ACIMGainMinFlux       float64 // [A]
	ACIMAutofluxMinID     float64 // [A]
	ACIMAutofluxEnable    bool
	ACIMAutofluxAttackGain float64 // [1/s]
	ACIMAutofluxDecayGain  float64 // [1/s]

	PreCalibrated bool
}

// DefaultConfig returns the factory parameter set.
func DefaultConfig() Config {
	return Config{
		MotorType:                 MotorTypeHighCurrent,
		PhaseInductance:           0.0,
		PhaseResistance:           0.0,
		CurrentControlBandwidth:   1000.0,
		TorqueConstant:            0.04,
		TorqueLim:                 math.Inf(1),
		CurrentLim:                10.0,
		CurrentLimMargin:          8.0,
		PolePairs:                 7,
		Direction:                 1,
		CalibrationCurrent:        10.0,
		ResistanceCalibMaxVoltage: 2.0,
		RequestedCurrentRange:     60.0,
		ACIMSlipVelocity:          14.706, // 1/rotor tau, (R_r/L_r) for the reference machine
		ACIMGainMinFlux:           10.0,
		ACIMAutofluxMinID:         10.0,
		ACIMAutofluxAttackGain:    10.0,
		ACIMAutofluxDecayGain:     1.0,
	}
}

// Verify checks the static invariants the control code relies on. It does not
// require phase resistance/inductance to be set; those are established by
// calibration unless PreCalibrated is set.
func (c *Config) Verify() error {
	var err error
	if c.Direction != 1 && c.Direction != -1 {
		err = multierr.Append(err, errors.Errorf("direction must be +1 or -1, got %v", c.Direction))
	}
	if c.CurrentLim < 0 {
		err = multierr.Append(err, errors.Errorf("current_lim must be non-negative, got %v", c.CurrentLim))
	}
	if c.TorqueConstant <= 0 {
		err = multierr.Append(err, errors.Errorf("torque_constant must be positive, got %v", c.TorqueConstant))
	}
	if c.PolePairs <= 0 {
		err = multierr.Append(err, errors.Errorf("pole_pairs must be positive, got %d", c.PolePairs))
	}
	if c.PreCalibrated && c.PhaseInductance <= 0 {
		err = multierr.Append(err, errors.Errorf("pre_calibrated requires phase_inductance > 0, got %v", c.PhaseInductance))
	}
	return err
}

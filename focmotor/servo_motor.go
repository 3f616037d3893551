// Package focmotor exposes a field-oriented servo drive axis as a motor
// component. The control math lives in the foc package; this layer owns the
// configuration surface, the background control goroutine and the component
// API surface.
package focmotor

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/viam-modules/servo-drive/foc"
)

// Model for the viam supported servo-drive FOC motor.
var Model = resource.NewModel("viam", "servo-drive", "foc")

// RotorFeedback supplies the rotor electrical phase and velocity at the
// start of each control tick.
type RotorFeedback interface {
	PhaseEstimate() (phase, phaseVel float64)
}

// Axis bundles everything a drive backend provides for one motor axis.
type Axis struct {
	Hardware foc.Hardware
	Feedback RotorFeedback

	SampleRateHz     float64
	PWMPeriodClocks  int
	ShuntConductance float64

	// AttachLatch, when set, receives the drive's timing latch once the
	// drive core exists. The backend's PWM generator must call the latch
	// once per PWM period to fetch the next on-time counts; a period with
	// nothing to fetch floats the motor.
	AttachLatch func(latch func() ([3]uint16, bool))
}

// Backend constructs the hardware bindings for a drive axis. Real
// deployments register one per driver board; tests inject simulated
// hardware.
type Backend func(ctx context.Context, conf *Config, logger logging.Logger) (*Axis, error)

var (
	backendsMu sync.Mutex
	backends   = map[string]Backend{}
)

// RegisterBackend makes a drive backend available under the given name for
// the "backend" config field.
func RegisterBackend(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = b
}

func lookupBackend(name string) (Backend, bool) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	b, ok := backends[name]
	return b, ok
}

// Config describes the configuration of a motor.
type Config struct {
	Backend   string `json:"backend"`
	MotorType string `json:"motor_type,omitempty"` // high_current (default), gimbal or acim
	PolePairs int    `json:"pole_pairs"`

	PhaseResistance float64 `json:"phase_resistance_ohm,omitempty"`
	PhaseInductance float64 `json:"phase_inductance_henry,omitempty"`
	TorqueConstant  float64 `json:"torque_constant_nm_per_amp,omitempty"`

	CurrentLim       float64 `json:"current_lim_amps,omitempty"`
	CurrentLimMargin float64 `json:"current_lim_margin_amps,omitempty"`
	TorqueLim        float64 `json:"torque_lim_nm,omitempty"`

	CalibrationCurrent        float64 `json:"calibration_current_amps,omitempty"`
	ResistanceCalibMaxVoltage float64 `json:"resistance_calib_max_voltage,omitempty"`
	RequestedCurrentRange     float64 `json:"requested_current_range_amps,omitempty"`
	CalibrateOnStart          bool    `json:"calibrate_on_start,omitempty"`
	PreCalibrated             bool    `json:"pre_calibrated,omitempty"`

	Direction int `json:"direction,omitempty"` // 1 or -1

	ACIMSlipVelocity   float64 `json:"acim_slip_velocity,omitempty"`
	ACIMAutofluxEnable bool    `json:"acim_autoflux_enable,omitempty"`

	RLFFEnable   bool `json:"rl_ff_enable,omitempty"`
	BEMFFFEnable bool `json:"bemf_ff_enable,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.Backend == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "backend")
	}
	if config.PolePairs <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pole_pairs")
	}
	if config.MotorType != "" && foc.MotorTypeFromString(config.MotorType) < 0 {
		return nil, nil, errors.Errorf("unknown motor_type %q", config.MotorType)
	}
	if config.Direction != 0 && config.Direction != 1 && config.Direction != -1 {
		return nil, nil, errors.New("direction must be 1 or -1")
	}
	if config.PreCalibrated && (config.PhaseResistance <= 0 || config.PhaseInductance <= 0) {
		return nil, nil, errors.New("pre_calibrated requires phase_resistance_ohm and phase_inductance_henry")
	}
	return nil, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor is one closed-loop torque-controlled drive axis.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	axis      *Axis
	logger    logging.Logger
	opMgr     *operation.SingleOperationManager
	motorName string

	// mu guards the drive core and the setpoints. The control goroutine
	// takes it once per tick; the blocking measurement wait happens outside
	// it.
	mu       sync.Mutex
	drive    *foc.Motor
	powerPct float64

	cancelLoop              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// focConfig maps the component config onto the drive core's parameter set,
// leaving factory defaults in place for everything the user left unset.
func focConfig(c Config) foc.Config {
	cfg := foc.DefaultConfig()
	if c.MotorType != "" {
		cfg.MotorType = foc.MotorTypeFromString(c.MotorType)
	}
	cfg.PolePairs = c.PolePairs
	if c.PhaseResistance != 0 {
		cfg.PhaseResistance = c.PhaseResistance
	}
	if c.PhaseInductance != 0 {
		cfg.PhaseInductance = c.PhaseInductance
	}
	if c.TorqueConstant != 0 {
		cfg.TorqueConstant = c.TorqueConstant
	}
	if c.CurrentLim != 0 {
		cfg.CurrentLim = c.CurrentLim
	}
	if c.CurrentLimMargin != 0 {
		cfg.CurrentLimMargin = c.CurrentLimMargin
	}
	if c.TorqueLim != 0 {
		cfg.TorqueLim = c.TorqueLim
	}
	if c.CalibrationCurrent != 0 {
		cfg.CalibrationCurrent = c.CalibrationCurrent
	}
	if c.ResistanceCalibMaxVoltage != 0 {
		cfg.ResistanceCalibMaxVoltage = c.ResistanceCalibMaxVoltage
	}
	if c.RequestedCurrentRange != 0 {
		cfg.RequestedCurrentRange = c.RequestedCurrentRange
	}
	if c.Direction != 0 {
		cfg.Direction = float64(c.Direction)
	}
	if c.ACIMSlipVelocity != 0 {
		cfg.ACIMSlipVelocity = c.ACIMSlipVelocity
	}
	cfg.ACIMAutofluxEnable = c.ACIMAutofluxEnable
	cfg.RLFFEnable = c.RLFFEnable
	cfg.BEMFFFEnable = c.BEMFFFEnable
	cfg.PreCalibrated = c.PreCalibrated
	return cfg
}

// newMotor returns an FOC driven motor on the configured backend.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	backend, ok := lookupBackend(conf.Backend)
	if !ok {
		return nil, errors.Errorf("no drive backend registered under %q", conf.Backend)
	}
	axis, err := backend(ctx, conf, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q", conf.Backend)
	}
	return makeMotor(ctx, *conf, c.ResourceName(), logger, axis)
}

// makeMotor builds the motor around an already constructed axis. It is
// separate from newMotor, above, so you can inject simulated hardware in
// here during testing.
func makeMotor(ctx context.Context, c Config, name resource.Name,
	logger logging.Logger, axis *Axis,
) (motor.Motor, error) {
	if axis.Feedback == nil {
		return nil, errors.New("axis has no rotor feedback")
	}
	if axis.SampleRateHz == 0 {
		logger.CWarn(ctx, "sample rate not set, defaulting to 8 kHz")
		axis.SampleRateHz = 8000
	}

	focCfg := focConfig(c)
	drive, err := foc.NewMotor(&focCfg, axis.Hardware, axis.SampleRateHz,
		axis.PWMPeriodClocks, axis.ShuntConductance, logger)
	if err != nil {
		return nil, err
	}
	if err := drive.Setup(); err != nil {
		return nil, errors.Wrapf(err, "error setting up motor (%s)", name.ShortName())
	}
	if axis.AttachLatch != nil {
		axis.AttachLatch(drive.LatchTimings)
	}

	m := &Motor{
		Named:     name.AsNamed(),
		axis:      axis,
		logger:    logger,
		opMgr:     operation.NewSingleOperationManager(),
		motorName: name.ShortName(),
		drive:     drive,
	}

	if c.CalibrateOnStart && !drive.IsCalibrated() {
		if err := drive.RunCalibration(); err != nil {
			return nil, errors.Wrapf(err, "error calibrating motor (%s)", m.motorName)
		}
	}

	return m, nil
}

// startControlLoopLocked launches the per-tick control goroutine. Callers
// hold m.mu and have already armed the drive.
func (m *Motor) startControlLoopLocked() {
	// A previous loop may have exited on its own after a fault; release its
	// context before replacing it.
	if m.cancelLoop != nil {
		m.cancelLoop()
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	m.cancelLoop = cancel
	m.activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer m.activeBackgroundWorkers.Done()
		m.runControlLoop(cancelCtx)
	})
}

// runControlLoop is the drive's tick loop: refresh limits, run the hardware
// checks, convert the power fraction to a torque and push one control update,
// then block until the next current measurement. Every drive interaction
// happens under the lock; the measurement wait does not.
func (m *Motor) runControlLoop(ctx context.Context) {
	for ctx.Err() == nil {
		m.mu.Lock()
		if !m.drive.Armed() || m.drive.Errors() != foc.ErrorNone {
			m.mu.Unlock()
			return
		}
		m.drive.EffectiveCurrentLim()
		if err := m.drive.DoChecks(); err != nil {
			m.mu.Unlock()
			m.logger.Errorf("motor (%s) hardware check failed: %v", m.motorName, err)
			return
		}
		phase, phaseVel := m.axis.Feedback.PhaseEstimate()
		torque := m.powerPct * m.drive.MaxAvailableTorque()
		err := m.drive.Update(torque, phase, phaseVel)
		m.mu.Unlock()
		if err != nil {
			m.logger.Errorf("motor (%s) control update failed: %v", m.motorName, err)
			return
		}

		if !m.axis.Hardware.Meas.WaitForCurrentMeas() {
			m.mu.Lock()
			m.drive.SetError(foc.ErrorCurrentMeasurementTimeout)
			m.mu.Unlock()
			m.logger.Errorf("motor (%s) current measurement timed out", m.motorName)
			return
		}
	}
}

// stopControlLoopLocked cancels the tick goroutine. The goroutine also exits
// on its own once the drive disarms.
func (m *Motor) stopControlLoopLocked() {
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
}

// SetPower applies the given fraction of the currently available torque
// (between -1 and 1), arming the drive and starting the control loop on
// first use.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if math.Abs(powerPct) > 1 {
		m.logger.CWarnf(ctx, "motor (%s) power %.2f clamped to [-1, 1]", m.motorName, powerPct)
		powerPct = math.Copysign(1, powerPct)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.drive.IsCalibrated() {
		return errors.Errorf("motor (%s) is not calibrated", m.motorName)
	}
	if errs := m.drive.Errors(); errs != foc.ErrorNone {
		return errors.Errorf("motor (%s) has pending faults: %s", m.motorName, errs)
	}
	if !m.drive.Armed() {
		m.drive.EffectiveCurrentLim()
		if err := m.drive.Arm(); err != nil {
			return errors.Wrapf(err, "error arming motor (%s)", m.motorName)
		}
		m.startControlLoopLocked()
	}
	m.powerPct = powerPct
	return nil
}

// Stop zeroes the torque command, disarms the drive and floats the phases.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerPct = 0
	m.stopControlLoopLocked()
	m.drive.Disarm()
	return nil
}

// IsPowered returns whether the drive is armed and the commanded power
// fraction.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drive.Armed(), m.powerPct, nil
}

// IsMoving returns true if the rotor is turning.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	_, phaseVel := m.axis.Feedback.PhaseEstimate()
	return math.Abs(phaseVel) > 1e-3, nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: false,
	}, nil
}

// Position is unsupported: this motor runs pure torque control without an
// absolute position reference.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, errors.Errorf("motor (%s) does not support position reporting", m.motorName)
}

// GoFor is unsupported in torque control mode.
func (m *Motor) GoFor(ctx context.Context, rpm, rotations float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support GoFor", m.motorName)
}

// GoTo is unsupported in torque control mode.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support GoTo", m.motorName)
}

// SetRPM is unsupported in torque control mode.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support SetRPM", m.motorName)
}

// ResetZeroPosition is unsupported in torque control mode.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support ResetZeroPosition", m.motorName)
}

// calibrate runs the phase parameter measurement. The motor must be stopped.
func (m *Motor) calibrate(ctx context.Context) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drive.Armed() {
		return errors.Errorf("cannot calibrate motor (%s) while running", m.motorName)
	}
	if err := m.drive.RunCalibration(); err != nil {
		return errors.Wrapf(err, "error calibrating motor (%s)", m.motorName)
	}
	return nil
}

// Close stops the control loop and floats the motor.
func (m *Motor) Close(ctx context.Context) error {
	if err := m.Stop(ctx, nil); err != nil {
		return err
	}
	m.activeBackgroundWorkers.Wait()
	return nil
}

// DoCommand() related constants.
const (
	Command     = "command"
	Calibrate   = "calibrate"
	ClearErrors = "clear_errors"
	Errors      = "errors"
	State       = "state"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Calibrate:
		return nil, m.calibrate(ctx)
	case ClearErrors:
		m.mu.Lock()
		m.drive.ClearErrors()
		m.mu.Unlock()
		return nil, nil
	case Errors:
		m.mu.Lock()
		errs := m.drive.Errors()
		missed := m.drive.MissedControlDeadline()
		m.mu.Unlock()
		return map[string]interface{}{
			"errors":                  errs.String(),
			"missed_control_deadline": missed,
		}, nil
	case State:
		m.mu.Lock()
		st := m.drive.State()
		armed := m.drive.Armed()
		calibrated := m.drive.IsCalibrated()
		m.mu.Unlock()
		return map[string]interface{}{
			"armed":           armed,
			"calibrated":      calibrated,
			"iq_setpoint":     st.IqSetpoint,
			"iq_measured":     st.IqMeasured,
			"id_measured":     st.IdMeasured,
			"bus_current":     st.IBus,
			"acim_rotor_flux": st.ACIMRotorFlux,
			"async_phase_vel": st.AsyncPhaseVel,
		}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

package foc

import "strings"

// ErrorFlag is a sticky fault bit. Faults are OR-accumulated into the motor's
// aggregate mask and force a disarm at the point of detection; the mask is
// only cleared by ClearErrors before a re-arm or re-calibration.
type ErrorFlag uint32

// Fault kinds. All of them are fatal to continued control.
const (
	ErrorNone                      ErrorFlag = 0
	ErrorDrvFault                  ErrorFlag = 1 << 0
	ErrorCurrentMeasurementTimeout ErrorFlag = 1 << 1
	ErrorModulationIsNaN           ErrorFlag = 1 << 2
	ErrorModulationMagnitude       ErrorFlag = 1 << 3
	ErrorPhaseResistanceOutOfRange ErrorFlag = 1 << 4
	ErrorPhaseInductanceOutOfRange ErrorFlag = 1 << 5
	ErrorCurrentSenseSaturation    ErrorFlag = 1 << 6
	ErrorCurrentLimitViolation     ErrorFlag = 1 << 7
	ErrorMotorThermistorOverTemp   ErrorFlag = 1 << 8
	ErrorFetThermistorOverTemp     ErrorFlag = 1 << 9
	ErrorNotImplementedMotorType   ErrorFlag = 1 << 10
)

var errorFlagNames = []struct {
	flag ErrorFlag
	name string
}{
	{ErrorDrvFault, "gate driver fault"},
	{ErrorCurrentMeasurementTimeout, "current measurement timeout"},
	{ErrorModulationIsNaN, "modulation is NaN"},
	{ErrorModulationMagnitude, "modulation magnitude out of range"},
	{ErrorPhaseResistanceOutOfRange, "phase resistance out of range"},
	{ErrorPhaseInductanceOutOfRange, "phase inductance out of range"},
	{ErrorCurrentSenseSaturation, "current sense saturation"},
	{ErrorCurrentLimitViolation, "current limit violation"},
	{ErrorMotorThermistorOverTemp, "motor thermistor over temperature"},
	{ErrorFetThermistorOverTemp, "FET thermistor over temperature"},
	{ErrorNotImplementedMotorType, "not implemented motor type"},
}

// Has reports whether all bits of other are present in e.
func (e ErrorFlag) Has(other ErrorFlag) bool {
	return e&other == other
}

func (e ErrorFlag) String() string {
	if e == ErrorNone {
		return "none"
	}
	var parts []string
	for _, ef := range errorFlagNames {
		if e.Has(ef.flag) {
			parts = append(parts, ef.name)
		}
	}
	return strings.Join(parts, "; ")
}

// FaultError is the Go error returned by any operation that tripped a fault
// and disarmed the power stage.
type FaultError struct {
	Flag ErrorFlag
}

func (e *FaultError) Error() string {
	return "motor fault: " + e.Flag.String()
}

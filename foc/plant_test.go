package foc

// This file contains the simulated hardware used by the package tests: a
// series R-L motor model driven through the same latch-and-apply pipeline as
// the real power stage, plus trivial gate driver, amplifier and thermistor
// fakes.

import (
	"math"

	"github.com/pkg/errors"
)

var errTestGate = errors.New("gate driver not responding")

const (
	testSampleRate   = 8000.0
	testPeriodClocks = 3500
	testBusVoltage   = 24.0
)

// rlPlant is a balanced three-phase series R-L load behind the PWM pipeline.
// It implements MeasurementSource and PWMOutput. Each WaitForCurrentMeas call
// advances the model by one control period, reproducing the real timing: a
// voltage enqueued on tick t is latched at the following PWM edge and first
// visible in the currents sampled on tick t+2.
type rlPlant struct {
	motor *rlPlantMotorRef // latch source, set once the Motor exists

	r    float64 // [Ohm]
	l    float64 // [H]
	vbus float64 // [V]
	dt   float64 // [s]

	iAlpha, iBeta             float64
	appliedAlpha, appliedBeta float64
	stagedAlpha, stagedBeta   float64

	cur PhaseCurrents

	failAfter  int // fail WaitForCurrentMeas after this many calls, 0 = never
	waits      int
	armCalls   int
	floatCalls int
}

// rlPlantMotorRef breaks the construction cycle between the plant and the
// Motor that owns it.
type rlPlantMotorRef struct{ m *Motor }

func newRLPlant(r, l float64) *rlPlant {
	return &rlPlant{
		motor: &rlPlantMotorRef{},
		r:     r,
		l:     l,
		vbus:  testBusVoltage,
		dt:    1.0 / testSampleRate,
	}
}

func (p *rlPlant) attach(m *Motor) { p.motor.m = m }

func (p *rlPlant) WaitForCurrentMeas() bool {
	p.waits++
	if p.failAfter > 0 && p.waits > p.failAfter {
		return false
	}

	// The previously latched voltage takes effect now; latch the next one.
	p.appliedAlpha, p.appliedBeta = p.stagedAlpha, p.stagedBeta
	p.stagedAlpha, p.stagedBeta = 0, 0
	if m := p.motor.m; m != nil {
		if t, ok := m.LatchTimings(); ok {
			dutyA := float64(t[0]) / float64(testPeriodClocks)
			dutyB := float64(t[1]) / float64(testPeriodClocks)
			dutyC := float64(t[2]) / float64(testPeriodClocks)
			x := (2.0 / 3.0) * (dutyA - 0.5*dutyB - 0.5*dutyC)
			y := oneBySqrt3 * (dutyB - dutyC)
			modAlpha := -1.5 * x
			modBeta := -1.5 * y
			p.stagedAlpha = modAlpha * (2.0 / 3.0) * p.vbus
			p.stagedBeta = modBeta * (2.0 / 3.0) * p.vbus
		}
	}

	p.iAlpha += (p.appliedAlpha - p.iAlpha*p.r) / p.l * p.dt
	p.iBeta += (p.appliedBeta - p.iBeta*p.r) / p.l * p.dt

	p.cur = PhaseCurrents{
		PhB: -0.5*p.iAlpha + sqrt3By2*p.iBeta,
		PhC: -0.5*p.iAlpha - sqrt3By2*p.iBeta,
	}
	return true
}

func (p *rlPlant) PhaseCurrents() PhaseCurrents { return p.cur }
func (p *rlPlant) BusVoltage() float64          { return p.vbus }

func (p *rlPlant) Arm()   { p.armCalls++ }
func (p *rlPlant) Float() { p.floatCalls++ }

// stubMeas is a measurement source with directly settable phase currents,
// for tests that exercise a single control tick rather than a closed loop.
type stubMeas struct {
	cur  PhaseCurrents
	vbus float64
	ok   bool
}

func (s *stubMeas) WaitForCurrentMeas() bool     { return s.ok }
func (s *stubMeas) PhaseCurrents() PhaseCurrents { return s.cur }
func (s *stubMeas) BusVoltage() float64          { return s.vbus }

type stubPWM struct {
	armCalls   int
	floatCalls int
}

func (s *stubPWM) Arm()   { s.armCalls++ }
func (s *stubPWM) Float() { s.floatCalls++ }

type stubGate struct {
	initErr error
	faulted bool
}

func (s *stubGate) Init() error   { return s.initErr }
func (s *stubGate) Faulted() bool { return s.faulted }

// stubAmp snaps any requested gain to a fixed realizable value.
type stubAmp struct {
	gain      float64
	requested float64
	err       error
}

func (s *stubAmp) SetGain(requested float64) (float64, error) {
	s.requested = requested
	if s.err != nil {
		return 0, s.err
	}
	return s.gain, nil
}

type stubThermistor struct {
	limit    float64
	overTemp bool
}

func (s *stubThermistor) CurrentLimit(configured float64) float64 {
	if s.limit == 0 {
		return configured
	}
	return math.Min(configured, s.limit)
}

func (s *stubThermistor) OverTemp() bool { return s.overTemp }

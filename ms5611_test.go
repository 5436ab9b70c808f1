package varioreceiver

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

// Coefficients from the MS5611-01BA03 datasheet worked example.
var testCal = promCoefficients{
	c1: 40127,
	c2: 36924,
	c3: 23317,
	c4: 23282,
	c5: 33464,
	c6: 28312,
}

// setupOps is the bus traffic NewMS5611 produces: reset, six calibration
// words, the pre-roll temperature conversion.
func setupOps(cal promCoefficients) []i2ctest.IO {
	ops := []i2ctest.IO{
		{Addr: ms5611Addr, W: []byte{cmdReset}},
	}
	for i, w := range []uint16{cal.c1, cal.c2, cal.c3, cal.c4, cal.c5, cal.c6} {
		ops = append(ops, i2ctest.IO{
			Addr: ms5611Addr,
			W:    []byte{cmdPROMRead + byte(2*i)},
			R:    []byte{byte(w >> 8), byte(w)},
		})
	}
	return append(ops, i2ctest.IO{Addr: ms5611Addr, W: []byte{cmdConvertD2 + byte(OSR4096)}})
}

// tickOps is the bus traffic of one scheduler transition: an ADC read
// returning value, then the next conversion command.
func tickOps(value uint32, nextConv byte) []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: ms5611Addr, W: []byte{cmdADCRead}, R: []byte{byte(value >> 16), byte(value >> 8), byte(value)}},
		{Addr: ms5611Addr, W: []byte{nextConv}},
	}
}

// pairOps is the traffic of a full temperature+pressure cycle: one
// read-temperature tick then one read-pressure tick.
func pairOps(d2, d1 uint32) []i2ctest.IO {
	ops := tickOps(d2, cmdConvertD1+byte(OSR4096))
	return append(ops, tickOps(d1, cmdConvertD2+byte(OSR4096))...)
}

// manualTicker delivers ticks only when the test fires them.
type manualTicker struct {
	period  time.Duration
	tick    func()
	resets  int
	stopped bool
}

func (m *manualTicker) Start(period time.Duration, tick func()) {
	m.period = period
	m.tick = tick
}

func (m *manualTicker) ResetPhase() { m.resets++ }
func (m *manualTicker) Stop()       { m.stopped = true }
func (m *manualTicker) fire()       { m.tick() }

func newTestMS5611(t *testing.T, ticks []i2ctest.IO) (*MS5611, *manualTicker, *i2ctest.Playback) {
	t.Helper()
	pb := &i2ctest.Playback{Ops: append(setupOps(testCal), ticks...)}
	tk := &manualTicker{}
	d, err := NewMS5611(pb, &Opts{OSR: OSR4096, Period: 12 * time.Millisecond, Ticker: tk})
	if err != nil {
		t.Fatalf("NewMS5611: %v", err)
	}
	return d, tk, pb
}

func TestSamplerAlternation(t *testing.T) {
	var ops []i2ctest.IO
	ops = append(ops, pairOps(8569150, 9085466)...)
	ops = append(ops, pairOps(8569151, 9085467)...)
	d, tk, pb := newTestMS5611(t, ops)
	defer d.Close()

	if got := measureStep(d.step.Load()); got != stepReadTemp {
		t.Fatalf("initial step = %d, want stepReadTemp", got)
	}

	prev := measureStep(d.step.Load())
	for i := 0; i < 4; i++ {
		tk.fire()
		cur := measureStep(d.step.Load())
		if cur == prev {
			t.Fatalf("tick %d: step %d repeated, phases must alternate", i, cur)
		}
		prev = cur
	}

	if got := d.d2.Load(); got != 8569151 {
		t.Errorf("d2 = %d, want 8569151", got)
	}
	if got := d.d1.Load(); got != 9085467 {
		t.Errorf("d1 = %d, want 9085467", got)
	}
	if err := pb.Close(); err != nil {
		t.Errorf("unconsumed bus ops: %v", err)
	}
}

func TestDataReadyLifecycle(t *testing.T) {
	d, tk, _ := newTestMS5611(t, pairOps(8569150, 9085466))
	defer d.Close()

	if d.DataReady() {
		t.Fatal("DataReady before any tick")
	}
	tk.fire()
	if d.DataReady() {
		t.Fatal("DataReady after the temperature phase only")
	}
	tk.fire()
	if !d.DataReady() {
		t.Fatal("no DataReady after a completed pair")
	}

	d.Update()
	if d.DataReady() {
		t.Fatal("DataReady not cleared by Update")
	}
}

// Every delivered tick must result in exactly one scheduler transition, no
// matter how tick delivery interleaves with lock windows. The playback bus
// fails the test on any lost (dangling ops) or duplicated (op mismatch)
// transition.
func TestTransitionCountUnderLockWindows(t *testing.T) {
	const ticks = 60

	var ops []i2ctest.IO
	conv := []byte{cmdConvertD1 + byte(OSR4096), cmdConvertD2 + byte(OSR4096)}
	for i := 0; i < ticks; i++ {
		ops = append(ops, tickOps(uint32(1000+i), conv[i%2])...)
	}
	d, tk, pb := newTestMS5611(t, ops)
	defer d.Close()

	rng := rand.New(rand.NewSource(42))
	deferred := 0
	for i := 0; i < ticks; i++ {
		if rng.Intn(2) == 0 {
			tk.fire()
			continue
		}
		d.lock()
		tk.fire()
		if !d.tickWait.Load() {
			t.Fatalf("tick %d: not deferred while locked", i)
		}
		d.release()
		deferred++
	}

	if err := pb.Close(); err != nil {
		t.Errorf("transitions lost, unconsumed bus ops: %v", err)
	}
	if tk.resets != deferred {
		t.Errorf("timer phase resets = %d, want %d (one per deferred tick)", tk.resets, deferred)
	}
}

func TestDeferredTickRunsOnRelease(t *testing.T) {
	d, tk, pb := newTestMS5611(t, tickOps(8569150, cmdConvertD1+byte(OSR4096)))
	defer d.Close()

	d.lock()
	tk.fire()
	if !d.tickWait.Load() {
		t.Fatal("tick while locked did not set the deferred flag")
	}
	if got := measureStep(d.step.Load()); got != stepReadTemp {
		t.Fatal("tick while locked still performed a transition")
	}

	d.release()
	if d.tickWait.Load() {
		t.Fatal("deferred flag survived release")
	}
	if got := measureStep(d.step.Load()); got != stepReadPressure {
		t.Fatal("release did not execute the deferred transition")
	}
	if tk.resets != 1 {
		t.Fatalf("timer phase resets = %d, want 1", tk.resets)
	}
	if err := pb.Close(); err != nil {
		t.Errorf("unconsumed bus ops: %v", err)
	}

	// A release with nothing pending must not re-run the transition.
	d.lock()
	d.release()
	if tk.resets != 1 {
		t.Fatalf("release without a pending tick reset the timer")
	}
}

func TestUpdateIdempotentBetweenArrivals(t *testing.T) {
	d, tk, _ := newTestMS5611(t, pairOps(8569150, 9085466))
	defer d.Close()

	tk.fire()
	tk.fire()
	d.Update()

	// Datasheet worked example: TEMP=2007, P=100009.
	if got := d.Temperature(); math.Abs(got-20.07) > 1e-9 {
		t.Errorf("Temperature = %v, want 20.07", got)
	}
	if got := d.Pressure(); math.Abs(got-1000.0907019042969) > 1e-9 {
		t.Errorf("Pressure = %v, want 1000.0907019042969", got)
	}

	temp, press := d.Temperature(), d.Pressure()
	d.Update()
	if d.Temperature() != temp || d.Pressure() != press {
		t.Error("second Update without new data changed the outputs")
	}
	if d.DataReady() {
		t.Error("second Update set the new-data flag")
	}
}

func TestAltitudeReference(t *testing.T) {
	d, tk, _ := newTestMS5611(t, pairOps(8569150, 9085466))
	defer d.Close()

	tk.fire()
	tk.fire()
	d.Update()

	if got := d.Altitude(); math.Abs(got-110.139757833163) > 1e-6 {
		t.Errorf("Altitude = %v, want 110.14", got)
	}

	// Raising the reference must raise the computed altitude.
	d.SetSeaLevelPressure(1030)
	if d.Altitude() <= 110.2 {
		t.Errorf("Altitude with QNH 1030 = %v, want > 110.2", d.Altitude())
	}
	if got := d.SeaLevelPressure(); got != 1030 {
		t.Errorf("SeaLevelPressure = %v, want 1030", got)
	}
}

func TestNewMS5611BlankPROM(t *testing.T) {
	ops := []i2ctest.IO{{Addr: ms5611Addr, W: []byte{cmdReset}}}
	for i := 0; i < 6; i++ {
		ops = append(ops, i2ctest.IO{
			Addr: ms5611Addr,
			W:    []byte{cmdPROMRead + byte(2*i)},
			R:    []byte{0xFF, 0xFF},
		})
	}
	pb := &i2ctest.Playback{Ops: ops}

	if _, err := NewMS5611(pb, &Opts{OSR: OSR4096, Period: 12 * time.Millisecond, Ticker: &manualTicker{}}); err == nil {
		t.Fatal("blank calibration PROM accepted")
	}
}

func TestNewMS5611PeriodTooShort(t *testing.T) {
	pb := &i2ctest.Playback{DontPanic: true}
	if _, err := NewMS5611(pb, &Opts{OSR: OSR4096, Period: 5 * time.Millisecond, Ticker: &manualTicker{}}); err == nil {
		t.Fatal("period below the conversion time accepted")
	}
}

func TestCloseStopsTicker(t *testing.T) {
	d, tk, _ := newTestMS5611(t, nil)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !tk.stopped {
		t.Fatal("Close did not stop the ticker")
	}
}

package varioreceiver

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticker is the periodic callback source driving the sampler. The real
// implementation wraps a time.Ticker; tests substitute a synthetic one.
type Ticker interface {
	// Start arms the ticker and invokes tick once per period.
	Start(period time.Duration, tick func())
	// ResetPhase restarts the current period, so the next tick fires a full
	// period from now.
	ResetPhase()
	Stop()
}

type measureStep int32

const (
	stepReadTemp measureStep = iota
	stepReadPressure
)

// sampler holds the state shared between the tick source and the
// application: the current phase, the raw sample buffer and the handoff
// lock flags.
type sampler struct {
	step    atomic.Int32
	d1      atomic.Uint32 // raw pressure
	d2      atomic.Uint32 // raw temperature
	newData atomic.Bool

	locked   atomic.Bool
	tickWait atomic.Bool
}

// tick runs once per ticker period. If the application holds the handoff
// lock the transition is recorded as pending and executed by release;
// otherwise it runs inline. Either way each delivered tick results in
// exactly one scheduler transition.
func (d *MS5611) tick() {
	if d.locked.Load() {
		d.tickWait.Store(true)
		return
	}
	d.readStep()
}

// lock claims the raw sample buffer for the application. It never blocks on
// the tick source; a tick arriving while locked defers itself instead.
func (d *MS5611) lock() {
	d.locked.Store(true)
}

// release gives the buffer back. A tick that arrived during the critical
// section runs now, and the ticker phase restarts so the next real tick is a
// full settling period away from the deferred conversion. The CompareAndSwap
// guarantees the deferred tick executes exactly once.
func (d *MS5611) release() {
	d.locked.Store(false)
	if d.tickWait.CompareAndSwap(true, false) {
		d.readStep()
		d.ticker.ResetPhase()
	}
}

// readStep performs one scheduler transition. Each phase reads the result of
// the conversion issued one tick earlier and immediately starts the opposite
// conversion, so the two kinds interleave at half the tick rate.
func (d *MS5611) readStep() {
	switch measureStep(d.step.Load()) {
	case stepReadTemp:
		d.readTempStep()
		d.step.Store(int32(stepReadPressure))
	default:
		d.readPressureStep()
		d.step.Store(int32(stepReadTemp))
	}
}

// readTempStep reads the pending raw temperature and starts a pressure
// conversion.
func (d *MS5611) readTempStep() {
	if v, err := d.readADC(); err != nil {
		// Keep the previous raw value, the cadence still holds.
		d.logStepError("temperature read failed", err)
	} else {
		d.d2.Store(v)
	}
	if err := d.writeCommand(cmdConvertD1 + byte(d.osr)); err != nil {
		d.logStepError("pressure conversion failed", err)
	}
}

// readPressureStep reads the pending raw pressure, starts a temperature
// conversion and flags the completed pair.
func (d *MS5611) readPressureStep() {
	if v, err := d.readADC(); err != nil {
		d.logStepError("pressure read failed", err)
	} else {
		d.d1.Store(v)
		d.newData.Store(true)
	}
	if err := d.writeCommand(cmdConvertD2 + byte(d.osr)); err != nil {
		d.logStepError("temperature conversion failed", err)
	}
}

// periodicTicker is the default Ticker, backed by a time.Ticker.
type periodicTicker struct {
	mu     sync.Mutex
	ticker *time.Ticker
	period time.Duration
	done   chan struct{}
}

func (p *periodicTicker) Start(period time.Duration, tick func()) {
	p.mu.Lock()
	p.period = period
	p.ticker = time.NewTicker(period)
	p.done = make(chan struct{})
	ticker, done := p.ticker, p.done
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

func (p *periodicTicker) ResetPhase() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Reset(p.period)
	}
}

func (p *periodicTicker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	close(p.done)
	p.ticker = nil
}

package varioreceiver

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/i2c"
)

const (
	ms5611Addr = 0x77

	// Commands
	cmdReset     = 0x1E
	cmdConvertD1 = 0x40 // pressure conversion, plus OSR offset
	cmdConvertD2 = 0x50 // temperature conversion, plus OSR offset
	cmdADCRead   = 0x00
	cmdPROMRead  = 0xA2 // first calibration word, c1..c6 at 0xA2..0xAC

	resetDelay = 3 * time.Millisecond
)

// OSR selects the oversampling ratio. The value is the offset added to the
// conversion commands.
type OSR byte

const (
	OSR256  OSR = 0x00
	OSR512  OSR = 0x02
	OSR1024 OSR = 0x04
	OSR2048 OSR = 0x06
	OSR4096 OSR = 0x08
)

// conversionDelay returns the worst-case settling time between issuing a
// conversion command and the result being valid to read.
func (o OSR) conversionDelay() time.Duration {
	switch o {
	case OSR256:
		return time.Millisecond
	case OSR512:
		return 2 * time.Millisecond
	case OSR1024:
		return 3 * time.Millisecond
	case OSR2048:
		return 5 * time.Millisecond
	default:
		return 10 * time.Millisecond
	}
}

// Opts configures an MS5611.
type Opts struct {
	// OSR is the oversampling ratio for both conversions.
	OSR OSR
	// Period is the sampling tick period. It must exceed the conversion
	// settling time for the configured OSR; one full pressure+temperature
	// pair is produced every two ticks.
	Period time.Duration
	// SeaLevelPressure is the altitude reference in hPa.
	SeaLevelPressure float64
	// Ticker overrides the tick source. Nil means a time.Ticker-backed one.
	Ticker Ticker
}

// DefaultOpts is the recommended configuration: maximum resolution with a
// 12ms tick, just above the 9.04ms worst-case conversion time.
var DefaultOpts = Opts{
	OSR:              OSR4096,
	Period:           12 * time.Millisecond,
	SeaLevelPressure: 1013.25,
}

type promCoefficients struct {
	c1, c2, c3, c4, c5, c6 uint16
}

// MS5611 is a driver for the MS5611-01BA03 barometric pressure sensor.
//
// A periodic tick alternates between reading the previous conversion result
// and issuing the next conversion, so raw pressure/temperature pairs arrive
// continuously without any blocking wait in steady state. The application
// consumes them through Update.
type MS5611 struct {
	dev    i2c.Dev
	osr    OSR
	cal    promCoefficients
	ticker Ticker

	sampler

	seaLevel    float64
	temperature float64
	pressure    float64
}

// NewMS5611 resets the sensor, reads its factory calibration, starts the
// first conversion and arms the sampling ticker. The bus stays owned by the
// caller.
func NewMS5611(bus i2c.Bus, opts *Opts) (*MS5611, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	period := opts.Period
	if period == 0 {
		period = DefaultOpts.Period
	}
	if period <= opts.OSR.conversionDelay() {
		return nil, fmt.Errorf("ms5611: period %s does not cover the %s conversion time", period, opts.OSR.conversionDelay())
	}
	seaLevel := opts.SeaLevelPressure
	if seaLevel == 0 {
		seaLevel = DefaultOpts.SeaLevelPressure
	}
	ticker := opts.Ticker
	if ticker == nil {
		ticker = &periodicTicker{}
	}

	d := &MS5611{
		dev:      i2c.Dev{Bus: bus, Addr: ms5611Addr},
		osr:      opts.OSR,
		ticker:   ticker,
		seaLevel: seaLevel,
	}

	if err := d.writeCommand(cmdReset); err != nil {
		return nil, fmt.Errorf("ms5611: reset failed: %w", err)
	}
	time.Sleep(resetDelay)

	if err := d.readCalibrationData(); err != nil {
		return nil, err
	}

	d.step.Store(int32(stepReadTemp))

	// One temperature conversion must already be settling before the first
	// tick, so the first read-temperature phase returns a valid result.
	if err := d.writeCommand(cmdConvertD2 + byte(d.osr)); err != nil {
		return nil, fmt.Errorf("ms5611: initial conversion failed: %w", err)
	}
	time.Sleep(d.osr.conversionDelay())

	d.ticker.Start(period, d.tick)
	return d, nil
}

func (d *MS5611) readCalibrationData() error {
	coefs := [6]uint16{}
	for i := range coefs {
		v, err := d.readPROM(i)
		if err != nil {
			return fmt.Errorf("ms5611: calibration read failed: %w", err)
		}
		coefs[i] = v
	}

	blank := true
	for _, v := range coefs {
		if v != 0x0000 && v != 0xFFFF {
			blank = false
		}
	}
	if blank {
		return fmt.Errorf("ms5611: calibration PROM reads blank, no sensor at %#x?", ms5611Addr)
	}

	d.cal = promCoefficients{
		c1: coefs[0],
		c2: coefs[1],
		c3: coefs[2],
		c4: coefs[3],
		c5: coefs[4],
		c6: coefs[5],
	}
	return nil
}

// DataReady reports whether a raw pair has completed since the last Update.
func (d *MS5611) DataReady() bool {
	return d.newData.Load()
}

// Update consumes the latest raw pair and recomputes the calibrated outputs.
// The raw snapshot is taken under the handoff lock; the arithmetic runs
// outside it.
func (d *MS5611) Update() {
	d.lock()
	d1 := d.d1.Load()
	d2 := d.d2.Load()
	d.newData.Store(false)
	d.release()

	d.temperature, d.pressure = compensate(d1, d2, d.cal)
}

// Temperature returns the last computed temperature in °C. Stale until the
// first Update after DataReady.
func (d *MS5611) Temperature() float64 {
	return d.temperature
}

// Pressure returns the last computed pressure in hPa.
func (d *MS5611) Pressure() float64 {
	return d.pressure
}

// Altitude returns the pressure altitude in meters for the configured
// sea-level reference.
func (d *MS5611) Altitude() float64 {
	return altitude(d.pressure, d.seaLevel)
}

// SetSeaLevelPressure changes the altitude reference (QNH) in hPa.
func (d *MS5611) SetSeaLevelPressure(hPa float64) {
	d.seaLevel = hPa
}

// SeaLevelPressure returns the current altitude reference in hPa.
func (d *MS5611) SeaLevelPressure() float64 {
	return d.seaLevel
}

// Close stops the sampling ticker. It does not close the bus.
func (d *MS5611) Close() error {
	d.ticker.Stop()
	return nil
}

func (d *MS5611) writeCommand(cmd byte) error {
	return d.dev.Tx([]byte{cmd}, nil)
}

// readADC returns the 24-bit result of the previously issued conversion.
func (d *MS5611) readADC() (uint32, error) {
	var buf [3]byte
	if err := d.dev.Tx([]byte{cmdADCRead}, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// readPROM returns calibration word i, 0 through 5 for c1..c6.
func (d *MS5611) readPROM(i int) (uint16, error) {
	var buf [2]byte
	if err := d.dev.Tx([]byte{cmdPROMRead + byte(2*i)}, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (d *MS5611) logStepError(what string, err error) {
	log.Printf("ms5611: %s: %v", what, err)
}

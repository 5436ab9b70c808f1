package varioreceiver

import "math"

// compensate converts a raw (D1, D2) pair into calibrated temperature (°C)
// and pressure (hPa) using the PROM coefficients.
//
// The arithmetic is the sensor's defined fixed-point pipeline: int64
// intermediates with arithmetic shifts (the products and squared terms do
// not fit 32 bits), second-order correction below 20.00 °C and additional
// terms below -15.00 °C. The shift and scale constants are fixed by the
// device and must not change.
func compensate(d1, d2 uint32, cal promCoefficients) (temperature, pressure float64) {
	dT := int64(d2) - int64(cal.c5)<<8
	temp := 2000 + (int64(cal.c6)*dT)>>23

	off := int64(cal.c2)<<16 + (int64(cal.c4)*dT)>>7
	sens := int64(cal.c1)<<15 + (int64(cal.c3)*dT)>>8

	if temp < 2000 {
		t2 := (dT * dT) >> 31

		sq := (temp - 2000) * (temp - 2000)
		off2 := (5 * sq) >> 1
		sens2 := (5 * sq) >> 2

		if temp < -1500 {
			dsq := (temp + 1500) * (temp + 1500)
			off2 += 7 * dsq
			sens2 += (11 * dsq) >> 1
		}

		temp -= t2
		off -= off2
		sens -= sens2
	}

	p := (int64(d1)*sens)>>21 - off

	// p carries 15 fractional bits and is in units of 0.01 hPa.
	return float64(temp) / 100, float64(p) / 32768 / 100
}

// altitude returns the barometric altitude in meters for pressure and the
// sea-level reference seaLevel, both in hPa.
func altitude(pressure, seaLevel float64) float64 {
	return (1 - math.Pow(pressure/seaLevel, 1/5.255)) * (288.15 / 0.0065)
}

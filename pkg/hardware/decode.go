package hardware

import "math"

// DecodeTemperature converts the two data bytes of a humidity/temperature
// sensor measurement into Kelvin, rounded to the sensor's 0.01 precision.
func DecodeTemperature(msb, lsb byte) float64 {
	raw := uint16(msb)<<8 | uint16(lsb)
	celsius := float64(raw)/65536.0*175.72 - 46.85
	return math.Round((celsius+273.15)*100) / 100
}

// DecodeLight converts the lux high/low register pair into lux.
// The exponent is the high nibble of b0, the mantissa joins the low nibbles.
func DecodeLight(b0, b1 byte) float64 {
	exponent := b0 >> 4
	mantissa := (b0&0x0F)<<4 | b1&0x0F
	return float64(uint32(1)<<exponent) * float64(mantissa) * 0.045
}

func Clamp(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

// DutyCycle maps an actuator value onto [lo, hi] percent.
func DutyCycle(value int, lo, hi float64) float64 {
	return lo + float64(Clamp(value))/100.0*(hi-lo)
}

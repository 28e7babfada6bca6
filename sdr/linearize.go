package sdr

import "math"

// linearize applies one of the 12 linearization functions named in
// spec §4.F (index 0x00-0x0b). Any other index, including 0x70 ("ask
// the BMC"), returns v unchanged with errUnsupportedLinearization; no
// sensor-factor lookup is made here or by ConvertReading.
func linearize(index uint8, v float64) (float64, error) {
	switch index {
	case 0x00:
		return v, nil
	case 0x01:
		return math.Log(v), nil
	case 0x02:
		return math.Log10(v), nil
	case 0x03:
		return math.Log2(v), nil
	case 0x04:
		return math.Exp(v), nil
	case 0x05:
		return math.Pow(10, v), nil
	case 0x06:
		return math.Pow(2, v), nil
	case 0x07:
		return 1 / v, nil
	case 0x08:
		return v * v, nil
	case 0x09:
		return v * v * v, nil
	case 0x0A:
		return math.Sqrt(v), nil
	case 0x0B:
		return math.Cbrt(v), nil
	default:
		return v, errUnsupportedLinearization(index)
	}
}

type errUnsupportedLinearization uint8

func (e errUnsupportedLinearization) Error() string {
	return "sdr: unsupported linearization index (requires OEM lookup or reading-type 0x70 path)"
}

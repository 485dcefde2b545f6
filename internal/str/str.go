// Package str has allocation-free helpers for formatting small integers
// into decimal strings, for use on error paths where pulling in fmt
// would cost more than the error itself.
package str

// Utod formats an unsigned integer as a decimal string.
func Utod[T ~uint | ~uint32 | ~uint64 | ~int](v T) string {
	if v == 0 {
		return "0"
	}
	u := uint64(v)
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// Itod formats a signed integer as a decimal string.
func Itod[T ~int | ~int32 | ~int64](v T) string {
	if v < 0 {
		return "-" + Utod(uint64(-v))
	}
	return Utod(uint64(v))
}

package utils

import "fmt"

var siPrefixes = []struct {
	scale  float64
	prefix string
}{
	{1e15, "P"},
	{1e12, "T"},
	{1e9, "G"},
	{1e6, "M"},
	{1e3, "K"},
}

// SiUnits scales number down to the largest SI prefix it reaches and prints it with
// decimals digits followed by the prefix, e.g. "12.34 M". Values below 1000 keep a
// trailing space so a unit can be appended directly.
func SiUnits(number float64, decimals int) string {
	for _, p := range siPrefixes {
		if number >= p.scale {
			return fmt.Sprintf("%.*f %s", decimals, number/p.scale, p.prefix)
		}
	}
	return fmt.Sprintf("%.*f ", decimals, number)
}

// HashRate formats a hashes per second value, e.g. "12.34 Mhash/s".
func HashRate(hashesPerSecond float64) string {
	return SiUnits(hashesPerSecond, 2) + "hash/s"
}

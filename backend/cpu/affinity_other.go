//go:build !linux

package cpu

func setAffinity(cpu int) error {
	return nil
}

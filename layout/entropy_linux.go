//go:build linux

package layout

import (
	"errors"

	"golang.org/x/sys/unix"
)

func readEntropy(b []byte) error {
	n, err := unix.Getrandom(b, unix.GRND_NONBLOCK)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errors.New("short getrandom read")
	}
	return nil
}

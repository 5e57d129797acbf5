//go:build !linux

package layout

import "crypto/rand"

func readEntropy(b []byte) error {
	_, err := rand.Read(b)
	return err
}

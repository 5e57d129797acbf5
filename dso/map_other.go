//go:build !unix

package dso

import (
	"errors"
	"fmt"
	"os"
)

func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil, errors.New("empty ELF image")
	}
	return data, func() error { return nil }, nil
}

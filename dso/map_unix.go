//go:build unix

package dso

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps path copy-on-write so relocation passes can patch the image
// without touching the file until Save.
func mapFile(path string) ([]byte, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size <= 0 {
		return nil, nil, errors.New("empty ELF image")
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		// Some filesystems refuse private writable maps; fall back to a copy.
		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, nil, errors.Join(fmt.Errorf("mmap %s: %w", path, err), readErr)
		}
		return contents, func() error { return nil }, nil
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

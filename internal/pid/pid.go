// Package pid guards serial ports with per-port PID files so that two
// dmmctl processes never talk to the same meter.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/dmmctl/internal/errors"
)

const (
	filePrefix = "dmmctl-"
	fileSuffix = ".pid"
	filePerm   = 0o600
)

// Path returns the PID file guarding port.
func Path(port string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(filepath.Base(port))
	return filepath.Join(os.TempDir(), filePrefix+name+fileSuffix)
}

// Acquire writes the current process ID to the PID file of port. It fails
// with ErrResourceBusy while another live process holds the file; stale files
// are taken over. The returned func releases the lock.
func Acquire(port string) (func() error, error) {
	errFactory := errors.New()
	path := Path(port)
	self := os.Getpid()

	if holder, ok := readHolder(path); ok && holder != self && alive(holder) {
		return nil, errFactory.WithData(errors.ErrResourceBusy, struct {
			Port string
			PID  int
		}{port, holder})
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(self)), filePerm); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return func() error { return release(path, self) }, nil
}

// Held reports whether another live process holds the PID file of port.
func Held(port string) bool {
	holder, ok := readHolder(Path(port))

	return ok && holder != os.Getpid() && alive(holder)
}

func readHolder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	holder, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || holder <= 0 {
		return 0, false
	}

	return holder, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

// release removes the PID file if it still names self.
func release(path string, self int) error {
	holder, ok := readHolder(path)
	if !ok || holder != self {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

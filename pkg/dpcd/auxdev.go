package dpcd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// ErrReadOnly is returned by writes to a device opened for inspection.
var ErrReadOnly = errors.New("aux device opened read-only")

// AuxDev is a ControlChannel backed by a /dev/drm_dp_auxN character device.
// The file offset selects the DPCD address; the kernel driver performs the
// native AUX transactions and their retries.
type AuxDev struct {
	sync.Mutex
	path     string
	fd       int
	readOnly bool
}

// OpenAuxDev opens the device read/write.
func OpenAuxDev(path string) (*AuxDev, error) {
	return openAuxDev(path, false)
}

// OpenAuxDevReadOnly opens the device for inspection. Writes fail with
// ErrReadOnly without reaching the sink.
func OpenAuxDevReadOnly(path string) (*AuxDev, error) {
	return openAuxDev(path, true)
}

func openAuxDev(path string, readOnly bool) (*AuxDev, error) {
	mode := unix.O_RDWR
	if readOnly {
		mode = unix.O_RDONLY
	}
	fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	glog.Infof("opened aux device %s (read-only %t)", path, readOnly)
	return &AuxDev{path: path, fd: fd, readOnly: readOnly}, nil
}

// Read ...
func (a *AuxDev) Read(address uint32, length int) ([]byte, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	a.Lock()
	defer a.Unlock()
	buf := make([]byte, length)
	n, err := unix.Pread(a.fd, buf, int64(address))
	if err != nil {
		glog.V(2).Infof("%s: read 0x%04x failed: %s", a.path, address, err)
		return nil, fmt.Errorf("%s read 0x%04x: %v: %w", a.path, address, err, ErrTransport)
	}
	if n != length {
		return nil, fmt.Errorf("%s read 0x%04x: short read %d/%d: %w", a.path, address, n, length, ErrTransport)
	}
	return buf, nil
}

// Write ...
func (a *AuxDev) Write(address uint32, data []byte) error {
	if err := checkLength(len(data)); err != nil {
		return err
	}
	if a.readOnly {
		return fmt.Errorf("%s write 0x%04x: %w", a.path, address, ErrReadOnly)
	}
	a.Lock()
	defer a.Unlock()
	n, err := unix.Pwrite(a.fd, data, int64(address))
	if err != nil {
		glog.V(2).Infof("%s: write 0x%04x failed: %s", a.path, address, err)
		return fmt.Errorf("%s write 0x%04x: %v: %w", a.path, address, err, ErrTransport)
	}
	if n != len(data) {
		return fmt.Errorf("%s write 0x%04x: short write %d/%d: %w", a.path, address, n, len(data), ErrTransport)
	}
	return nil
}

// Close ...
func (a *AuxDev) Close() error {
	a.Lock()
	defer a.Unlock()
	if a.fd < 0 {
		return nil
	}
	err := unix.Close(a.fd)
	a.fd = -1
	if err != nil {
		return fmt.Errorf("close %s: %w", a.path, err)
	}
	return nil
}

// Name ...
func (a *AuxDev) Name() string {
	return filepath.Base(a.path)
}

// Exists reports whether path names an existing device node.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

//go:build unix

package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// reclaimGuard serializes stale-lock reclamation between processes on the
// same host using a non-blocking advisory lock on a sidecar guard file.
// Losing the guard race just means another process is already reclaiming.
type reclaimGuard struct {
	file *os.File
}

func acquireReclaimGuard(lockPath string) (*reclaimGuard, bool, error) {
	f, err := os.OpenFile(lockPath+".guard", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock); err != nil {
		_ = f.Close()
		return nil, false, nil
	}
	return &reclaimGuard{file: f}, true, nil
}

func (g *reclaimGuard) release() error {
	if g == nil || g.file == nil {
		return nil
	}
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	_ = unix.FcntlFlock(g.file.Fd(), unix.F_SETLK, &flock)
	return g.file.Close()
}

package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/please-sh/please"
)

// probeTimeout bounds the connect probe against a socket left at the path.
const probeTimeout = 250 * time.Millisecond

// Rendezvous is the bound socket path of a running hub. While it is held no
// other hub can bind the same path.
type Rendezvous struct {
	path     string
	listener *net.UnixListener
	lock     *flock.Flock
	logger   *slog.Logger
}

// Bind claims path for this process and listens on it with the given file
// mode. It fails with please.ErrRendezvousBusy when another hub holds the
// path, and refuses to remove anything at the path that is not a socket. A
// socket left behind by a hub that died is removed and reused.
func Bind(path string, mode os.FileMode, logger *slog.Logger) (*Rendezvous, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, please.Errorf(please.KindRendezvousBusy, "another hub holds %s", lock.Path())
	}

	l, err := listen(path, mode, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Rendezvous{path: path, listener: l, lock: lock, logger: logger}, nil
}

func listen(path string, mode os.FileMode, logger *slog.Logger) (*net.UnixListener, error) {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	case info.Mode().Type() != fs.ModeSocket:
		return nil, fmt.Errorf("%s exists and is not a socket; refusing to replace it", path)
	default:
		// The lock is ours, but a hub that predates locking, or one on a
		// filesystem without flock, may still be answering.
		if conn, err := net.DialTimeout("unix", path, probeTimeout); err == nil {
			conn.Close()
			return nil, please.Errorf(please.KindRendezvousBusy, "a hub is already listening on %s", path)
		}
		logger.Info("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	// The socket file is created by bind(2) with 0777 &^ umask, so narrow
	// the umask first rather than chmod after clients could connect.
	old := unix.Umask(int(0o777 &^ mode.Perm()))
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	l.SetUnlinkOnClose(false)
	if err := os.Chmod(path, mode.Perm()); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// Path returns the socket path.
func (r *Rendezvous) Path() string { return r.path }

// Listener returns the bound listener.
func (r *Rendezvous) Listener() net.Listener { return r.listener }

// Close stops listening, removes the socket and releases the lock.
func (r *Rendezvous) Close() error {
	err := r.listener.Close()
	if rmErr := os.Remove(r.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		r.logger.Warn("failed to remove socket", "path", r.path, "error", rmErr)
	}
	if unlockErr := r.lock.Unlock(); unlockErr != nil {
		r.logger.Warn("failed to release hub lock", "path", r.lock.Path(), "error", unlockErr)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

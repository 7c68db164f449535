package workspace

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// lockPollInterval is how often a blocked Acquire re-attempts the flock.
const lockPollInterval = 50 * time.Millisecond

// Guard provides lock-protected, backup-before-write access to a single
// file. One guard is held per target path per run; the backup artifact it
// creates is never deleted by this package.
type Guard struct {
	path       string
	mode       fs.FileMode
	lockFile   string
	lockFd     *os.File
	existed    bool
	mutated    bool
	backupPath string
	released   bool
}

// Acquire takes an exclusive cross-process lock for the given path, waiting
// up to timeout before giving up with ErrLockTimeout. The lock is keyed by
// the absolute target path, so two runs mutating the same file serialize
// while runs on different files do not.
func Acquire(path string, timeout time.Duration) (*Guard, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "resolve", Err: err}
	}

	g := &Guard{
		path:     abs,
		mode:     0644,
		lockFile: lockFilePath(abs),
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := g.tryLock()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			holder, _ := readLockPid(g.lockFile)
			return nil, &LockError{Path: abs, HolderPID: holder, Err: ErrLockTimeout}
		}
		time.Sleep(lockPollInterval)
	}

	if info, err := os.Stat(abs); err == nil {
		g.existed = true
		g.mode = info.Mode()
	} else if !os.IsNotExist(err) {
		releaseErr := g.Release()
		_ = releaseErr
		return nil, &IOError{Path: abs, Op: "stat", Err: err}
	}

	return g, nil
}

// tryLock attempts one non-blocking lock acquisition. It returns false with
// a nil error when the lock is validly held by another live process.
func (g *Guard) tryLock() (bool, error) {
	fd, err := os.OpenFile(g.lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return false, &LockError{Path: g.path, Err: err}
	}

	if err := syscall.Flock(int(fd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = fd.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			// Holder may have died without releasing. Flock itself dies with
			// the process, so a blocked flock means the holder is alive; the
			// PID is kept only for diagnostics.
			return false, nil
		}
		return false, &LockError{Path: g.path, Err: err}
	}

	if err := fd.Truncate(0); err != nil {
		_ = fd.Close()
		return false, &LockError{Path: g.path, Err: err}
	}
	if _, err := fd.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		_ = fd.Close()
		return false, &LockError{Path: g.path, Err: err}
	}

	g.lockFd = fd
	return true, nil
}

// Write replaces the guarded file's content. The first write of a guard's
// lifetime snapshots the prior bytes to a sibling backup; a missing target
// is recorded as "no backup needed" rather than an error.
func (g *Guard) Write(content []byte) error {
	if g.lockFd == nil {
		return &LockError{Path: g.path, Err: ErrNotHeld}
	}

	if !g.mutated {
		if g.existed {
			backup := fmt.Sprintf("%s.bak.%d", g.path, time.Now().UnixNano())
			if err := copyFile(g.path, backup, g.mode); err != nil {
				return &IOError{Path: g.path, Op: "backup", Err: err}
			}
			g.backupPath = backup
		}
		g.mutated = true
	}

	if err := os.WriteFile(g.path, content, g.mode); err != nil {
		return &IOError{Path: g.path, Op: "write", Err: err}
	}
	return nil
}

// Restore undoes every mutation made through this guard: the backup is
// copied back, or the file is removed if it did not exist before the run.
// The backup artifact itself is kept for manual recovery.
func (g *Guard) Restore() error {
	if !g.mutated {
		return nil
	}
	if !g.existed {
		if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
			return &IOError{Path: g.path, Op: "remove", Err: err}
		}
		return nil
	}
	if err := copyFile(g.backupPath, g.path, g.mode); err != nil {
		return &IOError{Path: g.path, Op: "restore", Err: err}
	}
	return nil
}

// Release drops the file lock. Safe to call more than once. The lock file
// itself is left in place: unlinking it would let a waiter holding the old
// inode and a newcomer creating a fresh file both think they hold the lock.
func (g *Guard) Release() error {
	if g.released || g.lockFd == nil {
		return nil
	}
	g.released = true

	var err error
	if flockErr := syscall.Flock(int(g.lockFd.Fd()), syscall.LOCK_UN); flockErr != nil {
		err = &LockError{Path: g.path, Err: flockErr}
	}
	if closeErr := g.lockFd.Close(); closeErr != nil && err == nil {
		err = &LockError{Path: g.path, Err: closeErr}
	}
	g.lockFd = nil
	return err
}

// Path returns the absolute guarded path.
func (g *Guard) Path() string {
	return g.path
}

// BackedUp reports whether a backup artifact was created.
func (g *Guard) BackedUp() bool {
	return g.backupPath != ""
}

// BackupPath returns the backup artifact location, or "" when the target did
// not exist before the first write.
func (g *Guard) BackupPath() string {
	return g.backupPath
}

// Mutated reports whether the guarded file was written through this guard.
func (g *Guard) Mutated() bool {
	return g.mutated
}

func lockFilePath(abs string) string {
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), fmt.Sprintf("repokeeper-%x.lock", sum[:8]))
}

func readLockPid(lockFile string) (int, error) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

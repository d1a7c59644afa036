//go:build linux

package sock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nyat-dev/nyat"
	"golang.org/x/sys/unix"
)

// tcpListen is the /proc/net/tcp state byte for LISTEN.
const tcpListen = "0A"

type procSource struct {
	path  string
	isTCP bool
}

var procSources = []procSource{
	{"/proc/net/tcp", true},
	{"/proc/net/tcp6", true},
	{"/proc/net/udp", false},
	{"/proc/net/udp6", false},
}

// reclaimPort retrofits SO_REUSEPORT onto whatever process already holds
// port, so our own bind (which also sets SO_REUSEPORT) can succeed
// alongside it. This only works for sockets owned by processes we can
// pidfd_open; anything else surfaces the original EADDRINUSE.
func reclaimPort(proto nyat.Protocol, port uint16) error {
	wantTCP := proto == nyat.TCP

	var inodes []uint64
	for _, src := range procSources {
		if src.isTCP != wantTCP {
			continue
		}
		found, err := findInodes(src.path, port, src.isTCP)
		if err != nil {
			continue
		}
		inodes = append(inodes, found...)
	}
	if len(inodes) == 0 {
		return fmt.Errorf("no socket found holding port %d", port)
	}

	var lastErr error
	for _, inode := range inodes {
		pid, fd, err := findPidFD(inode)
		if err != nil {
			lastErr = err
			continue
		}
		if err := retrofitReusePort(pid, fd); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("port %d: holder process not found in /proc", port)
	}
	return lastErr
}

// findInodes scans a /proc/net/{tcp,tcp6,udp,udp6} table for sockets bound
// to port, returning their inode numbers. TCP entries are required to be
// LISTENing; UDP has no equivalent state so any bound entry matches.
func findInodes(path string, port uint16, isTCP bool) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wantHex := fmt.Sprintf("%04X", port)

	var inodes []uint64
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1]
		parts := strings.SplitN(localAddr, ":", 2)
		if len(parts) != 2 || parts[1] != wantHex {
			continue
		}
		if isTCP && fields[3] != tcpListen {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		inodes = append(inodes, inode)
	}
	return inodes, scanner.Err()
}

// findPidFD scans /proc/<pid>/fd for a symlink pointing at socket:[inode],
// returning the owning pid and fd number.
func findPidFD(inode uint64) (pid int, fd int, err error) {
	target := fmt.Sprintf("socket:[%d]", inode)

	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, 0, err
	}

	for _, pe := range procEntries {
		candidatePID, err := strconv.Atoi(pe.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", pe.Name(), "fd")
		fdEntries, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fe := range fdEntries {
			link, err := os.Readlink(filepath.Join(fdDir, fe.Name()))
			if err != nil {
				continue
			}
			if link != target {
				continue
			}
			candidateFD, err := strconv.Atoi(fe.Name())
			if err != nil {
				continue
			}
			return candidatePID, candidateFD, nil
		}
	}
	return 0, 0, fmt.Errorf("inode %d: no owning process found", inode)
}

// retrofitReusePort duplicates fd out of another process via pidfd_getfd
// and sets SO_REUSEPORT on the duplicate, which the kernel treats as
// setting it on the shared underlying socket.
func retrofitReusePort(pid, fd int) error {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return fmt.Errorf("pidfd_open(%d): %w", pid, err)
	}
	defer unix.Close(pidfd)

	dupFD, err := unix.PidfdGetfd(pidfd, fd, 0)
	if err != nil {
		return fmt.Errorf("pidfd_getfd(pid=%d, fd=%d): %w", pid, fd, err)
	}
	defer unix.Close(dupFD)

	return unix.SetsockoptInt(dupFD, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

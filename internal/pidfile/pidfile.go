// Package pidfile writes and checks the server PID file.
//
// The file holds the PID on the first line and a JSON meta line with the
// process start time, so a PID reused by an unrelated process is not mistaken
// for a running server.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrRunning is returned by Acquire when the file names a live server.
var ErrRunning = errors.New("pidfile: server already running")

type meta struct {
	StartUnixMilli int64 `json:"start_unix_ms"`
}

// startTime returns the process creation time in unix milliseconds, or 0
// when it cannot be determined.
func startTime(pid int) int64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// Write records pid and its start time at path.
func Write(path string, pid int) error {
	b, err := json.Marshal(meta{StartUnixMilli: startTime(pid)})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	// #nosec G306
	return os.WriteFile(path, []byte(data), 0o644)
}

// Read returns the PID stored at path and whether that process is still the
// one that wrote the file. A missing file yields (0, false, nil).
func Read(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("invalid pid in %s", path)
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return pid, false, nil
	}
	if len(lines) > 1 {
		var m meta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil && m.StartUnixMilli > 0 {
			if cur := startTime(pid); cur > 0 && cur != m.StartUnixMilli {
				return pid, false, nil // reused
			}
		}
	}
	return pid, true, nil
}

// Acquire writes pid to path unless the file already names a live process
// other than pid. Stale and unreadable files are replaced.
func Acquire(path string, pid int) error {
	cur, alive, err := Read(path)
	if err == nil && alive && cur != pid {
		return fmt.Errorf("%w (pid %d, %s)", ErrRunning, cur, path)
	}
	return Write(path, pid)
}

// Remove deletes path. An empty path or a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

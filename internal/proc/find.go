package proc

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// RunCommand is the subcommand a watchdog process runs under.
const RunCommand = "run"

// Watchdog is a live watchdog process found in the process table.
type Watchdog struct {
	PID       int       `json:"pid"`
	Key       string    `json:"key"`
	Mode      string    `json:"mode"`
	Timeout   int       `json:"timeout_seconds"`
	Profile   string    `json:"profile,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// WatchdogArgs builds the arguments that ParseArgs understands. extra flags
// (each with its value) go before the key.
func WatchdogArgs(key, mode string, timeoutSeconds int, profile string, extra ...string) []string {
	args := []string{RunCommand, "--mode", mode, "--timeout", strconv.Itoa(timeoutSeconds)}
	if profile != "" {
		args = append(args, "--profile", profile)
	}
	args = append(args, extra...)
	return append(args, key)
}

// ParseArgs recognises a watchdog command line: some element whose base name
// is binary, followed by the run subcommand. Every flag takes a value.
func ParseArgs(binary string, argv []string) (Watchdog, bool) {
	start := -1
	for i := 0; i+1 < len(argv); i++ {
		if filepath.Base(argv[i]) == binary && argv[i+1] == RunCommand {
			start = i + 2
			break
		}
	}
	if start < 0 {
		return Watchdog{}, false
	}

	var w Watchdog
	for i := start; i < len(argv); i++ {
		arg := argv[i]
		if !strings.HasPrefix(arg, "-") {
			w.Key = arg
			continue
		}
		if arg == "--" {
			if i+1 < len(argv) {
				w.Key = argv[i+1]
			}
			break
		}

		name, value, inline := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !inline {
			if i+1 >= len(argv) {
				break
			}
			i++
			value = argv[i]
		}
		switch name {
		case "mode":
			w.Mode = value
		case "timeout":
			w.Timeout, _ = strconv.Atoi(value)
		case "profile":
			w.Profile = value
		}
	}
	return w, w.Key != ""
}

// FindWatchdogs lists running watchdog processes of the named binary.
func FindWatchdogs(binary string) ([]Watchdog, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []Watchdog
	for _, p := range procs {
		argv, err := p.CmdlineSlice()
		if err != nil || len(argv) == 0 {
			continue // gone, or not ours to read
		}
		w, ok := ParseArgs(binary, argv)
		if !ok {
			continue
		}
		w.PID = int(p.Pid)
		if ms, err := p.CreateTime(); err == nil {
			w.StartedAt = time.UnixMilli(ms)
		}
		found = append(found, w)
	}
	return found, nil
}

package report

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Strace line shapes we care about. Lines are "pid  syscall(args) = ret" when
// traced with -f; the pid prefix is optional otherwise.
var (
	openRe    = regexp.MustCompile(`\bopen(?:at)?\((?:AT_FDCWD, ?)?"([^"]+)"[^)]*\)\s*=\s*(-?\d+)`)
	unlinkRe  = regexp.MustCompile(`\bunlink(?:at)?\((?:AT_FDCWD, ?)?"([^"]+)"`)
	renameRe  = regexp.MustCompile(`\brename(?:at2?)?\((?:AT_FDCWD, ?)?"([^"]+)",\s*(?:AT_FDCWD, ?)?"([^"]+)"`)
	connectRe = regexp.MustCompile(`\bconnect\(\d+, \{sa_family=AF_(INET6?|UNIX)(?:, sin6?_port=htons\((\d+)\))?(?:, (?:sin_addr=inet_addr\("([^"]+)"\)|inet_pton\([^,]+, "([^"]+)")|, sun_path="([^"]+)")?`)
	execveRe  = regexp.MustCompile(`\bexecve\("([^"]+)", \[([^\]]*)\]`)
)

// maxObserved caps each observation list so a syscall flood cannot blow up the
// report record.
const maxObserved = 500

// ParseTrace extracts observed behavior from an strace -f log. Unparseable
// lines are skipped; a trace that matches nothing yields empty lists, never an
// error.
func ParseTrace(r io.Reader) ([]FileOperation, []NetworkConnection, []ProcessCreation) {
	var (
		files []FileOperation
		nets  []NetworkConnection
		procs []ProcessCreation
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()

		if m := openRe.FindStringSubmatch(line); m != nil && len(files) < maxObserved {
			action := "open"
			if strings.Contains(line, "O_CREAT") {
				action = "create"
			}
			files = append(files, FileOperation{Action: action, Path: m[1]})
			continue
		}
		if m := unlinkRe.FindStringSubmatch(line); m != nil && len(files) < maxObserved {
			files = append(files, FileOperation{Action: "unlink", Path: m[1]})
			continue
		}
		if m := renameRe.FindStringSubmatch(line); m != nil && len(files) < maxObserved {
			files = append(files, FileOperation{Action: "rename", Path: m[1] + " -> " + m[2]})
			continue
		}
		if m := connectRe.FindStringSubmatch(line); m != nil && len(nets) < maxObserved {
			nets = append(nets, parseConnect(m))
			continue
		}
		if m := execveRe.FindStringSubmatch(line); m != nil && len(procs) < maxObserved {
			procs = append(procs, ProcessCreation{
				Name:      m[1],
				Arguments: parseExecArgs(m[2]),
			})
		}
	}

	return files, nets, procs
}

func parseConnect(m []string) NetworkConnection {
	conn := NetworkConnection{Protocol: "tcp"}
	switch m[1] {
	case "UNIX":
		conn.Protocol = "unix"
		conn.DestinationIP = m[5]
		return conn
	case "INET6":
		conn.DestinationIP = m[4]
	default:
		conn.DestinationIP = m[3]
		if conn.DestinationIP == "" {
			conn.DestinationIP = m[4]
		}
	}
	if m[2] != "" {
		conn.Port, _ = strconv.Atoi(m[2])
	}
	return conn
}

// parseExecArgs splits the strace argv rendering: `"a", "b", "c"`.
func parseExecArgs(s string) []string {
	var args []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimSuffix(strings.TrimPrefix(part, `"`), `"`)
		part = strings.TrimSuffix(part, "...")
		if part != "" {
			args = append(args, part)
		}
	}
	return args
}

package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrace = `12345 execve("/usr/bin/python3", ["python3", "sample.py"], 0x7ffd4 /* 23 vars */) = 0
12345 openat(AT_FDCWD, "/etc/ld.so.cache", O_RDONLY|O_CLOEXEC) = 3
12345 openat(AT_FDCWD, "/tmp/dropper.bin", O_WRONLY|O_CREAT|O_TRUNC, 0666) = 4
12345 connect(5, {sa_family=AF_INET, sin_port=htons(4444), sin_addr=inet_addr("198.51.100.7")}, 16) = 0
12346 connect(6, {sa_family=AF_UNIX, sun_path="/var/run/nscd/socket"}, 110) = -1 ENOENT (No such file or directory)
12345 unlink("/tmp/dropper.bin") = 0
12345 rename("/tmp/a.txt", "/tmp/b.txt") = 0
12345 gibberish line that matches nothing
`

func TestParseTrace(t *testing.T) {
	files, nets, procs := ParseTrace(strings.NewReader(sampleTrace))

	require.Len(t, files, 4)
	assert.Equal(t, FileOperation{Action: "open", Path: "/etc/ld.so.cache"}, files[0])
	assert.Equal(t, FileOperation{Action: "create", Path: "/tmp/dropper.bin"}, files[1])
	assert.Equal(t, FileOperation{Action: "unlink", Path: "/tmp/dropper.bin"}, files[2])
	assert.Equal(t, FileOperation{Action: "rename", Path: "/tmp/a.txt -> /tmp/b.txt"}, files[3])

	require.Len(t, nets, 2)
	assert.Equal(t, NetworkConnection{Protocol: "tcp", DestinationIP: "198.51.100.7", Port: 4444}, nets[0])
	assert.Equal(t, "unix", nets[1].Protocol)
	assert.Equal(t, "/var/run/nscd/socket", nets[1].DestinationIP)

	require.Len(t, procs, 1)
	assert.Equal(t, "/usr/bin/python3", procs[0].Name)
	assert.Equal(t, []string{"python3", "sample.py"}, procs[0].Arguments)
}

func TestParseTraceEmpty(t *testing.T) {
	files, nets, procs := ParseTrace(strings.NewReader(""))
	assert.Empty(t, files)
	assert.Empty(t, nets)
	assert.Empty(t, procs)
}

func TestParseTraceCapsObservations(t *testing.T) {
	var sb strings.Builder
	for range 2 * maxObserved {
		sb.WriteString(`1 openat(AT_FDCWD, "/etc/passwd", O_RDONLY) = 3` + "\n")
	}
	files, _, _ := ParseTrace(strings.NewReader(sb.String()))
	assert.Len(t, files, maxObserved)
}

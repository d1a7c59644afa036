package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/nyat-dev/nyat"
)

// ExecHook runs a shell command on every mapping change, passing the new
// addresses as environment variables.
type ExecHook struct {
	cmd string
}

// NewExecHook builds an ExecHook that runs cmd through "sh -c" on change.
func NewExecHook(cmd string) *ExecHook {
	return &ExecHook{cmd: cmd}
}

// OnChange implements mapper.MappingHandler. The spawned command is
// reaped by a background goroutine that waits on it, so a mapper that
// stays up for the life of the process never accumulates zombies.
func (h *ExecHook) OnChange(info nyat.MappingInfo) {
	c := exec.Command("sh", "-c", h.cmd)
	c.Env = append(os.Environ(),
		"NYAT_PUB_ADDR="+info.Public.Addr().String(),
		"NYAT_PUB_PORT="+strconv.Itoa(int(info.Public.Port())),
		"NYAT_LOCAL_ADDR="+info.Local.Addr().String(),
		"NYAT_LOCAL_PORT="+strconv.Itoa(int(info.Local.Port())),
	)

	if err := c.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "nyat: exec failed: %v\n", err)
		return
	}
	go c.Wait()
}

package driver

import (
	"fmt"
	"strings"

	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// commandFailed builds the error for a hypervisor CLI call that exited
// non-zero.
func commandFailed(name string, args []string, res transport.Result) error {
	msg := res.Stderr
	if msg == "" {
		msg = res.Stdout
	}
	return fmt.Errorf("%s %s exited with code %d: %s", name, strings.Join(args, " "), res.ExitCode, msg)
}

// parseConfig parses "key: value" output from pct config / qm config.
func parseConfig(out string) map[string]string {
	cfg := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		cfg[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return cfg
}

// statusIs reports whether a "status: <word>" line carries the given word.
func statusIs(out, want string) bool {
	return parseConfig(out)["status"] == want
}

// stripIdentityScript removes machine-specific identity inside a guest.
const stripIdentityScript = "rm -f /etc/ssh/ssh_host_* && truncate -s 0 /etc/machine-id && rm -f /var/lib/dbus/machine-id"

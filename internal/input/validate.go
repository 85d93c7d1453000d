package input

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	labelRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,63}$`)
	ipv4Re  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// IsIP reports whether s looks like a dotted-quad address. Octet ranges are
// not checked; the resolver rejects what is not a real address.
func IsIP(s string) bool {
	return ipv4Re.MatchString(s)
}

func isHostname(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	s = strings.TrimSuffix(s, ".")
	for _, label := range strings.Split(s, ".") {
		if !labelRe.MatchString(label) || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}

func ValidHost(s string) bool {
	return isHostname(s) || IsIP(s)
}

// parsePorts converts the textual ports of a row. Every entry must be an
// integer in 1..65535.
func parsePorts(raw []string) ([]uint16, bool) {
	ports := make([]uint16, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.Atoi(strings.TrimSpace(r))
		if err != nil || n < 1 || n > 65535 {
			return nil, false
		}
		ports = append(ports, uint16(n))
	}
	return ports, true
}

// Package duration parses and formats the compact duration literals used
// throughout LobbyBoy's configuration ("10s", "5m", "3h", "2d", and the "0"
// sentinel meaning "immediately").
package duration

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
)

var literalRe = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
}

// ToSeconds parses a literal matching ^(\d+)(s|m|h|d)$, or the literal "0",
// into a count of seconds. Anything else, including negatives, empty
// strings, and compound expressions, fails with lberrors.ErrInvalidDuration.
func ToSeconds(literal string) (int64, error) {
	if literal == "0" {
		return 0, nil
	}

	m := literalRe.FindStringSubmatch(literal)
	if m == nil {
		return 0, lberrors.InvalidDuration(literal)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, lberrors.InvalidDuration(literal)
	}

	return n * unitSeconds[m[2]], nil
}

// Humanize renders a second count as a single dominant unit; "1m30s"-style
// chains would overstate precision for a one-line reaper message.
func Humanize(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh", seconds/3600)
	default:
		return fmt.Sprintf("%dd", seconds/86400)
	}
}

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/ntp"
)

// SyncThreshold is the earliest wall time considered synchronised.
var SyncThreshold = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func Synced(now time.Time) bool {
	return now.After(SyncThreshold)
}

// TimeSource reports the offset between the local clock and network time.
type TimeSource interface {
	Offset(ctx context.Context) (time.Duration, error)
}

type NTPSource struct {
	Servers []string
	Timeout time.Duration
}

func (s NTPSource) Offset(ctx context.Context) (time.Duration, error) {
	var errs []error
	for _, server := range s.Servers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		timeout := s.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < timeout {
				timeout = left
			}
		}

		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		return resp.ClockOffset, nil
	}
	return 0, errors.Join(errs...)
}

// resolveLocation accepts an IANA zone name or a POSIX TZ string. Empty means UTC.
func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc, nil
	}
	return parsePOSIX(tz)
}

// parsePOSIX handles the standard-time part of a POSIX TZ value such as "MSK-3" or
// "<+03>-3". Daylight saving rules are not applied.
func parsePOSIX(tz string) (*time.Location, error) {
	name, rest, err := posixName(tz)
	if err != nil {
		return nil, err
	}

	end := 0
	for end < len(rest) && strings.ContainsRune("+-0123456789:", rune(rest[end])) {
		end++
	}
	offsetStr := rest[:end]
	if offsetStr == "" {
		return nil, fmt.Errorf("timezone %q: missing offset", tz)
	}

	sign := 1
	switch offsetStr[0] {
	case '-':
		sign = -1
		offsetStr = offsetStr[1:]
	case '+':
		offsetStr = offsetStr[1:]
	}

	parts := strings.Split(offsetStr, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("timezone %q: bad offset", tz)
	}
	secs := 0
	for i, unit := range []int{3600, 60, 1}[:len(parts)] {
		v, err := strconv.Atoi(parts[i])
		if err != nil || v < 0 {
			return nil, fmt.Errorf("timezone %q: bad offset", tz)
		}
		secs += v * unit
	}
	if secs > 24*3600 {
		return nil, fmt.Errorf("timezone %q: offset out of range", tz)
	}
	// POSIX offsets are west of Greenwich
	return time.FixedZone(name, -sign*secs), nil
}

func posixName(tz string) (name, rest string, err error) {
	if strings.HasPrefix(tz, "<") {
		end := strings.IndexByte(tz, '>')
		if end < 0 {
			return "", "", fmt.Errorf("timezone %q: unterminated name", tz)
		}
		return tz[1:end], tz[end+1:], nil
	}
	i := 0
	for i < len(tz) && (tz[i] >= 'A' && tz[i] <= 'Z' || tz[i] >= 'a' && tz[i] <= 'z') {
		i++
	}
	if i < 3 {
		return "", "", fmt.Errorf("timezone %q: name too short", tz)
	}
	return tz[:i], tz[i:], nil
}

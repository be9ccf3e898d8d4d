package syslog

import (
	"strconv"
	"strings"
)

const maxPRI = 191

// parsePRI splits "<PRI>rest". ok is false when the line has no valid PRI.
func parsePRI(line string) (pri int, rest string, ok bool) {
	if len(line) < 3 || line[0] != '<' {
		return 0, line, false
	}
	end := strings.IndexByte(line, '>')
	if end < 2 || end > 4 {
		return 0, line, false
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil || pri < 0 || pri > maxPRI {
		return 0, line, false
	}
	return pri, line[end+1:], true
}

func facilityOf(pri int) int { return pri >> 3 }
func levelOf(pri int) int    { return pri & 0x07 }

// FacilityName returns the readable name of a syslog facility number.
func FacilityName(facility int) string {
	switch facility {
	case 0:
		return "kernel"
	case 1:
		return "user-level"
	case 2:
		return "mail"
	case 3:
		return "system daemon"
	case 4, 10:
		return "security/authorization"
	case 5:
		return "syslogd"
	case 6:
		return "line printer"
	case 7:
		return "network news"
	case 8:
		return "UUCP"
	case 9, 15:
		return "clock"
	case 11:
		return "FTP"
	case 12:
		return "NTP"
	case 13:
		return "log audit"
	case 14:
		return "log alert"
	}
	if facility >= 16 && facility <= 23 {
		return "local" + strconv.Itoa(facility-16)
	}
	return "Unknown"
}

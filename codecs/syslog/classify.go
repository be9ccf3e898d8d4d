package syslog

import "regexp"

// Kind is the syslog dialect a line was classified as.
type Kind int

const (
	KindBSD Kind = iota
	KindStructured
	KindCisco
	KindFortiGate
)

func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "rfc5424"
	case KindCisco:
		return "cisco"
	case KindFortiGate:
		return "fortigate"
	default:
		return "rfc3164"
	}
}

var (
	structuredPattern = regexp.MustCompile(`(?s)^<\d{1,3}>[0-9]\d{0,2}\s.*`)
	ciscoPattern      = regexp.MustCompile(`(?s)^<\d{1,3}>\d*:\s.*`)
	fortiGatePattern  = regexp.MustCompile(`(?s)^<\d{1,3}>date=.*`)
)

// Classify decides the dialect from the leading bytes: a version number
// right after the PRI means RFC 5424. Everything unrecognised is treated as
// BSD syslog.
func Classify(line string) Kind {
	switch {
	case structuredPattern.MatchString(line):
		return KindStructured
	case ciscoPattern.MatchString(line):
		return KindCisco
	case fortiGatePattern.MatchString(line):
		return KindFortiGate
	default:
		return KindBSD
	}
}

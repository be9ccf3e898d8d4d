package syslog

import (
	"strconv"
	"strings"
	"time"
)

// event is the dialect-independent result of parsing one line.
type event struct {
	kind     Kind
	pri      int
	host     string
	date     time.Time // zero when no timestamp could be parsed
	message  string
	appName  string
	procID   string
	sdID     string
	sd       map[string]string
	sequence int64
	hasSeq   bool
	fields   map[string]string
}

const nilValue = "-"

// parseStructured handles
// VERSION SP TIMESTAMP SP HOSTNAME SP APP-NAME SP PROCID SP MSGID SP SD [SP MSG].
// Only the first SD element is kept.
func parseStructured(rest string) event {
	e := event{kind: KindStructured}
	_, rest = nextToken(rest) // version
	var ts string
	ts, rest = nextToken(rest)
	if ts != nilValue {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.date = t
		}
	}
	e.host, rest = nextNonNil(rest)
	e.appName, rest = nextNonNil(rest)
	e.procID, rest = nextNonNil(rest)

	fromMsgID := strings.TrimLeft(rest, " ")
	_, rest = nextToken(rest) // msgid
	rest = strings.TrimLeft(rest, " ")

	if strings.HasPrefix(rest, "[") {
		first := true
		for strings.HasPrefix(rest, "[") {
			id, params, n := parseSDElement(rest)
			if n < 0 {
				break
			}
			if first {
				e.sdID, e.sd = id, params
				first = false
			}
			rest = rest[n:]
		}
	} else if rest == nilValue || strings.HasPrefix(rest, nilValue+" ") {
		rest = rest[1:]
	}

	e.message = strings.TrimPrefix(strings.TrimLeft(rest, " "), "\ufeff")
	if strings.TrimSpace(e.message) == "" {
		e.message = fromMsgID
	}
	return e
}

// parseSDElement parses one `[SD-ID name="value" ...]` and returns the
// number of bytes it spans, or -1 when it is malformed.
func parseSDElement(s string) (id string, params map[string]string, n int) {
	i := 1
	for i < len(s) && s[i] != ' ' && s[i] != ']' {
		i++
	}
	if i >= len(s) {
		return "", nil, -1
	}
	id = s[1:i]
	params = make(map[string]string)
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			return "", nil, -1
		}
		if s[i] == ']' {
			return id, params, i + 1
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 || i+eq+1 >= len(s) || s[i+eq+1] != '"' {
			return "", nil, -1
		}
		name := s[i : i+eq]
		i += eq + 2
		var b strings.Builder
		closed := false
		for i < len(s) {
			c := s[i]
			if c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\' || s[i+1] == ']') {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			i++
			if c == '"' {
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed {
			return "", nil, -1
		}
		params[name] = b.String()
	}
	return "", nil, -1
}

// parseBSD handles "TIMESTAMP HOSTNAME MSG". The message keeps the hostname.
func parseBSD(rest string, loc *time.Location, now time.Time) event {
	e := event{kind: KindBSD}
	ts, after, ok := parseBSDTimestamp(rest, loc, now)
	if !ok {
		e.message = strings.TrimSpace(rest)
		return e
	}
	e.date = ts
	e.message = strings.TrimSpace(after)
	e.host, _ = nextToken(e.message)
	return e
}

// parseCisco handles "SEQ: TIMESTAMP: MSG" where SEQ may be empty. Cisco
// lines carry no hostname.
func parseCisco(rest string, loc *time.Location, now time.Time) event {
	e := event{kind: KindCisco}
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		e.message = strings.TrimSpace(rest)
		return e
	}
	if seq := rest[:colon]; seq != "" {
		if n, err := strconv.ParseInt(seq, 10, 64); err == nil {
			e.sequence, e.hasSeq = n, true
		}
	}
	rest = rest[colon+1:]
	ts, after, ok := parseBSDTimestamp(rest, loc, now)
	if !ok {
		e.message = strings.TrimSpace(rest)
		return e
	}
	e.date = ts
	e.message = strings.TrimSpace(strings.TrimPrefix(strings.TrimLeft(after, " "), ":"))
	return e
}

// parseFortiGate handles the key=value format. The device name is the host.
func parseFortiGate(rest string, loc *time.Location) event {
	e := event{kind: KindFortiGate, message: strings.TrimSpace(rest)}
	e.fields = parseKeyValues(rest)
	e.host = e.fields["devname"]
	date, clock := e.fields["date"], e.fields["time"]
	if date == "" || clock == "" {
		return e
	}
	zone := loc
	if tz := e.fields["tz"]; tz != "" {
		if t, err := time.Parse("-0700", tz); err == nil {
			zone = t.Location()
		}
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, zone); err == nil {
		e.date = t
	}
	return e
}

func parseKeyValues(s string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			continue
		}
		key := s[start:i]
		i++
		var val string
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				val = s[i+1:]
				i = len(s)
			} else {
				val = s[i+1 : i+1+end]
				i += end + 2
			}
		} else {
			vs := i
			for i < len(s) && s[i] != ' ' {
				i++
			}
			val = s[vs:i]
		}
		if key != "" {
			out[key] = val
		}
	}
	return out
}

var zoneOffsets = map[string]int{
	"UTC": 0, "GMT": 0, "Z": 0,
	"CET": 1, "CEST": 2, "EET": 2, "EEST": 3, "WET": 0, "WEST": 1,
	"EST": -5, "EDT": -4, "CST": -6, "CDT": -5, "MST": -7, "MDT": -6, "PST": -8, "PDT": -7,
}

func zoneByAbbrev(abbrev string) (*time.Location, bool) {
	h, ok := zoneOffsets[abbrev]
	if !ok {
		return nil, false
	}
	if h == 0 {
		return time.UTC, true
	}
	return time.FixedZone(abbrev, h*3600), true
}

// parseBSDTimestamp accepts an RFC 3339 token, "Mmm dd hh:mm:ss[.fff]" and
// "yyyy Mmm dd hh:mm:ss[.fff] [ZONE]", each optionally followed by a colon.
// A missing year is taken from now and moved back a year when the result
// would lie more than a day in the future.
func parseBSDTimestamp(s string, loc *time.Location, now time.Time) (time.Time, string, bool) {
	if tok, rest := nextToken(s); tok != "" {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSuffix(tok, ":")); err == nil {
			return t, rest, true
		}
	}
	body := strings.TrimLeft(strings.TrimLeft(s, " "), "*.")
	tok, rest := nextToken(body)
	year := 0
	if len(tok) == 4 && isDigits(tok) {
		year, _ = strconv.Atoi(tok)
		tok, rest = nextToken(rest)
	}
	month, ok := parseMonth(tok)
	if !ok {
		return time.Time{}, s, false
	}
	dayTok, rest := nextToken(rest)
	day, err := strconv.Atoi(dayTok)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, s, false
	}
	clockTok, rest := nextToken(rest)
	clock, err := time.Parse("15:04:05.999999999", strings.TrimSuffix(clockTok, ":"))
	if err != nil {
		return time.Time{}, s, false
	}
	zone := loc
	if !strings.HasSuffix(clockTok, ":") {
		if z, after := nextToken(rest); z != "" {
			if l, ok := zoneByAbbrev(strings.TrimSuffix(z, ":")); ok {
				zone, rest = l, after
			}
		}
	}
	defaulted := year == 0
	if defaulted {
		year = now.In(zone).Year()
	}
	t := time.Date(year, month, day, clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), zone)
	if defaulted && t.After(now.Add(24*time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, rest, true
}

func parseMonth(s string) (time.Month, bool) {
	if len(s) != 3 {
		return 0, false
	}
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(m.String()[:3], s) {
			return m, true
		}
	}
	return 0, false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// nextToken skips leading spaces and returns the next space-delimited token
// and everything after it.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " ")
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

func nextNonNil(s string) (string, string) {
	tok, rest := nextToken(s)
	if tok == nilValue {
		return "", rest
	}
	return tok, rest
}

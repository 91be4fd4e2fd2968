package console

import (
	"bytes"
	"strconv"
	"strings"
)

// Stage is the boot stage a console line was printed by.
type Stage int

const (
	StageUnknown Stage = iota
	StageBoot0
	StageFES
	StageUBoot
	StageKernel
)

func (s Stage) String() string {
	switch s {
	case StageBoot0:
		return "boot0"
	case StageFES:
		return "fes"
	case StageUBoot:
		return "u-boot"
	case StageKernel:
		return "kernel"
	}
	return "unknown"
}

// [    0.231]HELLO! BOOT0 is starting!
// [15]fes begin commit:...
// U-Boot 2018.05 (Mar 10 2022 - 17:26:32 +0800) Allwinner Technology
// [    0.000000] Linux version 4.9.170 ...
type Line struct {
	raw     string
	text    string
	stamp   float64
	stamped bool
	stage   Stage
}

var stageMarkers = []struct {
	marker string
	stage  Stage
}{
	{"BOOT0", StageBoot0},
	{"boot0", StageBoot0},
	{"fes", StageFES},
	{"FES", StageFES},
	{"U-Boot", StageUBoot},
	{"Linux version", StageKernel},
}

// ParseLine splits the optional timestamp from a console line. Empty lines and lines made of
// control characters only are nil.
func ParseLine(s string) *Line {
	s = strings.TrimRight(s, "\r\n")
	if strings.TrimFunc(s, isControl) == "" {
		return nil
	}

	l := &Line{raw: s, text: s}
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end > 0 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(s[1:end]), 64); err == nil {
				l.stamp, l.stamped = v, true
				l.text = strings.TrimLeft(s[end+1:], " ")
			}
		}
	}
	for _, m := range stageMarkers {
		if strings.Contains(l.text, m.marker) {
			l.stage = m.stage
			break
		}
	}
	return l
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7F
}

func (l *Line) String() string {
	return l.raw
}

// Text is the line without its timestamp.
func (l *Line) Text() string {
	return l.text
}

// Timestamp is the seconds since boot printed by the loader, ok is false when there is none.
func (l *Line) Timestamp() (float64, bool) {
	return l.stamp, l.stamped
}

func (l *Line) Stage() Stage {
	return l.stage
}

// ScanLines is a bufio.SplitFunc splitting on either CR or LF and dropping empty lines.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

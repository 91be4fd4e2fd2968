package console

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in      string
		text    string
		stamp   float64
		stamped bool
		stage   Stage
	}{
		{"[    0.231]HELLO! BOOT0 is starting!", "HELLO! BOOT0 is starting!", 0.231, true, StageBoot0},
		{"[15]fes begin commit:8c7ba1c", "fes begin commit:8c7ba1c", 15, true, StageFES},
		{"U-Boot 2018.05 (Mar 10 2022 - 17:26:32 +0800) Allwinner Technology", "U-Boot 2018.05 (Mar 10 2022 - 17:26:32 +0800) Allwinner Technology", 0, false, StageUBoot},
		{"[    0.000000] Linux version 4.9.170\r", "Linux version 4.9.170", 0, true, StageKernel},
		{"[brackets] are not a stamp", "[brackets] are not a stamp", 0, false, StageUnknown},
		{"DRAM: 1 GiB", "DRAM: 1 GiB", 0, false, StageUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			l := ParseLine(tt.in)
			if l == nil {
				t.Fatal("ParseLine returned nil")
			}
			if l.Text() != tt.text {
				t.Errorf("Text() = %q, want %q", l.Text(), tt.text)
			}
			if stamp, ok := l.Timestamp(); ok != tt.stamped || stamp != tt.stamp {
				t.Errorf("Timestamp() = %v, %t, want %v, %t", stamp, ok, tt.stamp, tt.stamped)
			}
			if l.Stage() != tt.stage {
				t.Errorf("Stage() = %s, want %s", l.Stage(), tt.stage)
			}
			if l.String() != strings.TrimRight(tt.in, "\r") {
				t.Errorf("String() = %q", l.String())
			}
		})
	}

	for _, s := range []string{"", "\r\n", "\x1b\x07", "\x00\x00\x7f"} {
		if l := ParseLine(s); l != nil {
			t.Errorf("ParseLine(%q) = %q, want nil", s, l)
		}
	}
}

func TestScanLines(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("one\r\ntwo\rthree\n\n\nfour"))
	scanner.Split(ScanLines)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, ",") != "one,two,three,four" {
		t.Errorf("lines = %q", got)
	}
}

type fakePort struct {
	r       *io.PipeReader
	written bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error                { return p.r.Close() }

func TestConsole(t *testing.T) {
	r, w := io.Pipe()
	port := &fakePort{r: r}
	c := New("ttyUSB0", port)
	if c.Name() != "ttyUSB0" {
		t.Errorf("Name() = %q", c.Name())
	}

	go func() {
		io.WriteString(w, "[    0.231]HELLO! BOOT0 is starting!\r\n\r\n\x07\x07\nU-Boot 2018.05\n")
		io.WriteString(w, "[ 1.5] Linux version 4.9\n")
		w.Close()
	}()

	var lines []*Line
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case l, ok := <-c.Lines():
			if !ok {
				done = true
				break
			}
			lines = append(lines, l)
		case <-timeout:
			t.Fatal("timed out waiting for lines")
		}
	}

	if len(lines) != 3 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	stages := []Stage{StageBoot0, StageUBoot, StageKernel}
	for i, l := range lines {
		if l.Stage() != stages[i] {
			t.Errorf("line %d stage = %s, want %s", i, l.Stage(), stages[i])
		}
	}
	wantLog := "[    0.231]HELLO! BOOT0 is starting!\n\x07\x07\nU-Boot 2018.05\n[ 1.5] Linux version 4.9\n"
	if got := string(c.Log()); got != wantLog {
		t.Errorf("Log() = %q, want %q", got, wantLog)
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}

	if _, err := c.Write([]byte("help\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if port.written.String() != "help\n" {
		t.Errorf("written = %q", port.written.String())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.Closed() {
		t.Error("Closed() = false")
	}
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("write after close succeeded")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestRegisterAdapter(t *testing.T) {
	RegisterAdapter("1a2b", "cd3e")
	RegisterAdapter("1A2B", "CD3E")
	count := 0
	mutexPorts.Lock()
	for _, pair := range adapterPairs {
		if pair[0] == "1A2B" && pair[1] == "CD3E" {
			count++
		}
	}
	mutexPorts.Unlock()
	if count != 1 {
		t.Errorf("adapter registered %d times", count)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		port *enumerator.PortDetails
		want string
	}{
		{&enumerator.PortDetails{Name: "/dev/ttyS0"}, "/dev/ttyS0"},
		{&enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1A86", PID: "7523"}, "/dev/ttyUSB0 [1A86:7523]"},
		{&enumerator.PortDetails{Name: "COM3", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R", SerialNumber: "A10K"}, "COM3 [0403:6001] FT232R (A10K)"},
	}
	for _, tt := range tests {
		if got := Describe(tt.port); got != tt.want {
			t.Errorf("Describe = %q, want %q", got, tt.want)
		}
	}
}

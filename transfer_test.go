package felutils_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/JoshuaDoes/sunxi-usbfel/internal/emulator"
)

// flakyTransport fails the next fails sends with an interruption before passing them on.
type flakyTransport struct {
	felutils.Transport
	fails int
	sends int
}

func (f *flakyTransport) Send(p []byte, timeout time.Duration) (int, error) {
	f.sends++
	if f.fails > 0 {
		f.fails--
		return 0, felutils.ErrInterrupted
	}
	return f.Transport.Send(p, timeout)
}

func newSession(t *testing.T, mode felutils.Mode, opts ...felutils.Option) (*emulator.Device, *felutils.Session) {
	t.Helper()
	dev := emulator.New(mode)
	s := felutils.NewSession(dev, opts...)
	t.Cleanup(func() { s.Close() })
	return dev, s
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

func TestWriteSplitsIntoChunks(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithMaxChunk(256))
	data := pattern(300)

	var progress []int
	err := s.Write(0x1000, data, felutils.TagsOf(felutils.TagDRAM), felutils.ModeFES, false, func(done int) {
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(dev.Requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(dev.Requests))
	}
	first, second := dev.Requests[0], dev.Requests[1]
	if first.Address != 0x1000 || first.Len != 256 || felutils.Tags(first.Flags) != felutils.TagsOf(felutils.TagDRAM) {
		t.Errorf("first request = %s", first)
	}
	if second.Address != 0x1100 || second.Len != 44 || felutils.Tags(second.Flags) != felutils.TagsOf(felutils.TagDRAM, felutils.TagFinish) {
		t.Errorf("second request = %s", second)
	}
	if !bytes.Equal(dev.ReadDRAM(0x1000, 300), data) {
		t.Error("memory does not match written data")
	}
	if len(progress) != 2 || progress[0] != 256 || progress[1] != 300 {
		t.Errorf("progress = %v, want [256 300]", progress)
	}
}

func TestWriteDontFinish(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithMaxChunk(256))
	if err := s.Write(0x1000, pattern(300), felutils.TagsOf(felutils.TagDRAM), felutils.ModeFES, true, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range dev.Requests {
		if felutils.Tags(r.Flags).Has(felutils.TagFinish) {
			t.Errorf("request %s carries finish", r)
		}
	}
}

func TestStorageAddressesAdvanceBySectors(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithMaxChunk(512))
	data := pattern(2*512 + 100)
	if err := s.Write(10, data, felutils.TagsOf(), felutils.ModeFES, false, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var addrs []uint32
	for _, r := range dev.StorageWrites() {
		addrs = append(addrs, r.Address)
	}
	if len(addrs) != 3 || addrs[0] != 10 || addrs[1] != 11 || addrs[2] != 12 {
		t.Errorf("addresses = %v, want [10 11 12]", addrs)
	}
	if got := s.AddressAfter(10, len(data), felutils.TagsOf(), felutils.ModeFES); got != 13 {
		t.Errorf("AddressAfter = %d, want 13", got)
	}

	back, err := s.Read(10, len(data), felutils.TagsOf(), felutils.ModeFES, nil)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Error("read back data differs")
	}
}

func TestAdvanceAddress(t *testing.T) {
	tests := []struct {
		name string
		n    int
		tags felutils.Tags
		mode felutils.Mode
		want uint32
	}{
		{"fel is bytewise", 100, felutils.TagsOf(), felutils.ModeFEL, 1100},
		{"dram is bytewise", 4096, felutils.TagsOf(felutils.TagDRAM), felutils.ModeFES, 5096},
		{"mbr shares the dram prefix", 10, felutils.TagsOf(felutils.TagMBR), felutils.ModeFES, 1010},
		{"storage sectors", 4096, felutils.TagsOf(), felutils.ModeFES, 1008},
		{"short piece moves a sector", 100, felutils.TagsOf(), felutils.ModeFES, 1001},
		{"partial sector truncates", 700, felutils.TagsOf(felutils.TagFlash), felutils.ModeFES, 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := felutils.AdvanceAddress(1000, tt.n, tt.tags, tt.mode); got != tt.want {
				t.Errorf("AdvanceAddress = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInterruptedRequestIsRetriedOnce(t *testing.T) {
	dev := emulator.New(felutils.ModeFEL)
	flaky := &flakyTransport{Transport: dev, fails: 1}
	s := felutils.NewSession(flaky)
	defer s.Close()

	info, err := s.DeviceStatus()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Mode != felutils.ModeFEL {
		t.Errorf("mode = %s, want fel", info.Mode)
	}

	flaky.fails = 2
	_, err = s.DeviceStatus()
	var fatal *felutils.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalError", err)
	}
	if !errors.Is(err, felutils.ErrInterrupted) {
		t.Errorf("err = %v, want it to wrap ErrInterrupted", err)
	}
	if !strings.Contains(err.Error(), "failed to send a request") {
		t.Errorf("err = %v", err)
	}
	if felutils.IsRecoverable(err) {
		t.Error("second interruption reported as recoverable")
	}
}

func TestInterruptAfterRequestIsFatal(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFEL)
	// envelope and request go through, the data envelope fails
	dev.InterruptAfter(2)
	err := s.Write(0x2000, pattern(16), felutils.TagsOf(), felutils.ModeFEL, false, nil)
	var fatal *felutils.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want *FatalError", err)
	}
	if !strings.Contains(fatal.Op, "failed to send the data") {
		t.Errorf("op = %q", fatal.Op)
	}
	if fatal.Address != 0x2000 || fatal.Length != 16 {
		t.Errorf("address 0x%X length %d", fatal.Address, fatal.Length)
	}
}

func TestPullLengthMismatchIsFatal(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFEL)
	dev.TruncateNextPull(4)
	_, err := s.DeviceStatus()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "unexpected answer length (28 <> 32)") {
		t.Errorf("err = %v", err)
	}
	if felutils.IsRecoverable(err) {
		t.Error("length mismatch reported as recoverable")
	}
}

func TestFailedStatusIsRecoverable(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES)
	dev.FailStatus(felutils.FESFlashSetOn, 1, 1)

	err := s.SetStorageState(true)
	if !felutils.IsCommandFailed(err) {
		t.Fatalf("err = %v, want a failed command", err)
	}
	var perr *felutils.ProtocolError
	if !errors.As(err, &perr) || perr.State != 1 {
		t.Errorf("err = %#v", err)
	}
	if dev.StorageAttached != true {
		t.Error("device did not see the request")
	}

	if err := s.SetStorageState(true); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}

func TestVerifyStatusPolls(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithVerifyPolicy(felutils.RetryPolicy{Attempts: 5}))
	dev.PendingPolls = 2
	r, err := s.VerifyStatus(felutils.TagsOf(felutils.TagUBoot))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Done() {
		t.Errorf("flags = 0x%08X", r.Flags)
	}
}

func TestVerifyStatusTimeout(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithVerifyPolicy(felutils.RetryPolicy{Attempts: 3}))
	dev.PendingPolls = 100
	_, err := s.VerifyStatus(felutils.TagsOf(felutils.TagMBR))
	var timeout *felutils.VerifyTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *VerifyTimeoutError", err)
	}
	if timeout.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", timeout.Attempts)
	}
}

func TestWriteMBR(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES)
	dev.EraseDelay = 20 * time.Millisecond
	dev.MBRResult = felutils.VerifyStatusResponse{CRC: 0xdead, Result: -1}

	if _, err := s.WriteMBR(make([]byte, 100), false); !errors.Is(err, felutils.ErrInvalidArgument) {
		t.Errorf("short mbr err = %v", err)
	}
	if _, err := s.WriteMBR(nil, false); !errors.Is(err, felutils.ErrMissingArgument) {
		t.Errorf("nil mbr err = %v", err)
	}

	mbr := pattern(felutils.MBRSize)
	res, err := s.WriteMBR(mbr, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.EraseFlag != 1 {
		t.Errorf("erase flag = %d, want 1", dev.EraseFlag)
	}
	if !bytes.Equal(dev.MBR, mbr) {
		t.Error("device mbr differs")
	}
	if res.CRC != 0xdead || res.Result != -1 {
		t.Errorf("result = %+v", res.VerifyStatusResponse)
	}
	if res.EraseTime < dev.EraseDelay {
		t.Errorf("erase time %s < %s", res.EraseTime, dev.EraseDelay)
	}
}

func TestRun(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES)

	err := s.Run(0x2000, felutils.ModeFEL, felutils.RunHasParam, nil)
	if !errors.Is(err, felutils.ErrInvalidArgument) {
		t.Errorf("fel flags err = %v", err)
	}

	args := &felutils.RunArgs{1, 2, 3, 4}
	if err := s.Run(0x40000000, felutils.ModeFES, felutils.RunHasParam|felutils.RunFED, args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dev.RunArgs) != 1 || dev.RunArgs[0] != *args {
		t.Errorf("run args = %v", dev.RunArgs)
	}
	last := dev.Requests[len(dev.Requests)-1]
	if last.Cmd != felutils.FESRun || last.Len != uint32(felutils.RunHasParam|felutils.RunFED) {
		t.Errorf("request = %s len 0x%X", last, last.Len)
	}
}

func TestTransmit(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES, felutils.WithMaxChunk(1024))
	data := pattern(2048 + 16)
	if err := s.TransmitWrite(100, data, felutils.MediaPhysical, false, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dev.Transports) != 3 {
		t.Fatalf("%d transport requests, want 3", len(dev.Transports))
	}
	first, last := dev.Transports[0], dev.Transports[2]
	if first.Direction != felutils.TransmiteWrite|felutils.TransmiteStart {
		t.Errorf("first direction = 0x%02X", first.Direction)
	}
	if last.Direction&felutils.TransmiteFinish == 0 || last.Address != 104 {
		t.Errorf("last = %+v", last)
	}

	back, err := s.TransmitRead(100, len(data), felutils.MediaPhysical, nil)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Error("read back data differs")
	}
}

func TestQueries(t *testing.T) {
	dev, s := newSession(t, felutils.ModeFES)
	dev.Storage = felutils.StorageSDCard
	dev.Message = "fes ready"

	storage, err := s.QueryStorage()
	if err != nil || storage != felutils.StorageSDCard {
		t.Errorf("QueryStorage = %s, %v", storage, err)
	}
	msg, err := s.GetMsg(16)
	if err != nil {
		t.Fatalf("GetMsg: %v", err)
	}
	if len(msg) != 16 || !bytes.HasPrefix(msg, []byte("fes ready")) {
		t.Errorf("GetMsg = %q", msg)
	}
	if err := s.SetToolMode(felutils.WorkModeUSBToolUpdate, felutils.ActionReboot); err != nil {
		t.Fatalf("SetToolMode: %v", err)
	}
	if dev.ToolMode != felutils.WorkModeUSBToolUpdate || dev.ToolAction != felutils.ActionReboot {
		t.Errorf("tool mode %d action %d", dev.ToolMode, dev.ToolAction)
	}

	want := felutils.CRC32(pattern(1024))
	if err := s.Write(0, pattern(1024), felutils.TagsOf(), felutils.ModeFES, false, nil); err != nil {
		t.Fatal(err)
	}
	r, err := s.VerifyValue(0, 1024)
	if err != nil || r.CRC != want {
		t.Errorf("VerifyValue crc 0x%08X, want 0x%08X (%v)", r.CRC, want, err)
	}
}

func TestMissingArguments(t *testing.T) {
	_, s := newSession(t, felutils.ModeFES)
	if _, err := s.Read(0, 0, felutils.TagsOf(), felutils.ModeFES, nil); !errors.Is(err, felutils.ErrMissingArgument) {
		t.Errorf("read err = %v", err)
	}
	if err := s.Write(0, nil, felutils.TagsOf(), felutils.ModeFES, false, nil); !errors.Is(err, felutils.ErrMissingArgument) {
		t.Errorf("write err = %v", err)
	}
	if err := s.TransmitWrite(0, nil, felutils.MediaDRAM, false, nil); !errors.Is(err, felutils.ErrMissingArgument) {
		t.Errorf("transmite err = %v", err)
	}
}

func TestClosedSession(t *testing.T) {
	dev := emulator.New(felutils.ModeFEL)
	s := felutils.NewSession(dev)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if dev.Closes != 1 {
		t.Errorf("transport closed %d times", dev.Closes)
	}
	if _, err := s.DeviceStatus(); !errors.Is(err, felutils.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if !s.Closed() {
		t.Error("Closed() = false")
	}
}

// Package emulator is an in-memory FEL/FES device speaking the bulk protocol, for tests.
package emulator

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
)

const (
	pageSize = 4096

	// UBootAddress is where running code in FEL mode switches the device to FES.
	UBootAddress = 0x4a000000
)

var ErrDesync = errors.New("emulator: protocol desync")

type phase int

const (
	phaseIdle phase = iota
	phaseWriteData
	phaseReadData
	phaseResponse
)

type stage int

const (
	stageRequest stage = iota
	stageData
	stagePull
	stageStatus
)

// Device emulates a board in FEL or FES mode.
type Device struct {
	mutex sync.Mutex

	Mode     felutils.Mode
	Board    uint32
	Firmware uint32
	Storage  felutils.StorageType

	// MBRResult is answered to the verification of a partition table write.
	MBRResult felutils.VerifyStatusResponse
	// BootResult is the result field answered for u-boot and boot0 writes.
	BootResult int32
	// PendingPolls is how many verify status polls answer before the device is done.
	PendingPolls int
	// EraseDelay is spent handling the erase flag.
	EraseDelay time.Duration
	// Message is returned by FES_GET_MSG.
	Message string

	EraseFlag       byte
	MBR             []byte
	UBoot           []byte
	Boot0           []byte
	StorageAttached bool
	ToolMode        felutils.WorkMode
	ToolAction      felutils.Action
	Runs            []uint32
	RunArgs         []felutils.RunArgs
	Requests        []felutils.Request
	Transports      []felutils.TransportRequest
	Closes          int

	dram    map[uint32][]byte
	sectors map[uint32][]byte

	phase   phase
	pending int
	stage   stage
	req     felutils.Request
	treq    *felutils.TransportRequest
	state   uint8
	after   func()
	polls   int

	interruptIn  int
	interruptErr error
	failCmd      uint16
	failTimes    int
	failState    uint8
	truncate     int
	corrupt      int
}

// New returns a device in mode with empty memory.
func New(mode felutils.Mode) *Device {
	return &Device{
		Mode:    mode,
		Board:   0x00165100,
		Storage: felutils.StorageEMMC,
		dram:    make(map[uint32][]byte),
		sectors: make(map[uint32][]byte),
	}
}

// InterruptAfter makes the send after the next n ones fail with felutils.ErrInterrupted.
func (d *Device) InterruptAfter(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.interruptIn = n + 1
	d.interruptErr = felutils.ErrInterrupted
}

// FailStatus answers the next times operations of cmd with a failed status.
func (d *Device) FailStatus(cmd uint16, times int, state uint8) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.failCmd, d.failTimes, d.failState = cmd, times, state
}

// TruncateNextPull returns n bytes less than asked for the next pulled answer.
func (d *Device) TruncateNextPull(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.truncate = n
}

// CorruptStorageWrites flips a byte in each of the next n pieces written to storage.
func (d *Device) CorruptStorageWrites(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.corrupt = n
}

func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.Closes++
	d.phase, d.stage = phaseIdle, stageRequest
	return nil
}

func (d *Device) Send(p []byte, timeout time.Duration) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.interruptIn > 0 {
		d.interruptIn--
		if d.interruptIn == 0 {
			return 0, fmt.Errorf("emulator: send of %d bytes: %w", len(p), d.interruptErr)
		}
	}

	switch d.phase {
	case phaseIdle:
		env, err := felutils.DecodeUSBRequest(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDesync, err)
		}
		d.pending = int(env.Len)
		switch env.Cmd {
		case felutils.USBWrite:
			d.phase = phaseWriteData
		case felutils.USBRead:
			d.phase = phaseReadData
		default:
			return 0, fmt.Errorf("%w: usb command 0x%02x", ErrDesync, env.Cmd)
		}
		return len(p), nil
	case phaseWriteData:
		if len(p) != d.pending {
			return 0, fmt.Errorf("%w: announced %d bytes, sent %d", ErrDesync, d.pending, len(p))
		}
		if err := d.packet(p); err != nil {
			return 0, err
		}
		d.phase = phaseResponse
		return len(p), nil
	}
	return 0, fmt.Errorf("%w: send in phase %d", ErrDesync, d.phase)
}

func (d *Device) Recv(n int, timeout time.Duration) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch d.phase {
	case phaseReadData:
		if n != d.pending {
			return nil, fmt.Errorf("%w: announced %d bytes, asked %d", ErrDesync, d.pending, n)
		}
		p, err := d.answer(n)
		if err != nil {
			return nil, err
		}
		d.phase = phaseResponse
		return p, nil
	case phaseResponse:
		if n != felutils.USBResponseLen {
			return nil, fmt.Errorf("%w: response of %d bytes", ErrDesync, n)
		}
		d.phase = phaseIdle
		return (&felutils.USBResponse{}).Bytes(), nil
	}
	return nil, fmt.Errorf("%w: recv in phase %d", ErrDesync, d.phase)
}

// packet handles a written packet: a request or the payload of the current one.
func (d *Device) packet(p []byte) error {
	switch d.stage {
	case stageRequest:
		return d.request(p)
	case stageData:
		d.payload(p)
		d.stage = stageStatus
		return nil
	}
	return fmt.Errorf("%w: packet during stage %d", ErrDesync, d.stage)
}

func (d *Device) request(p []byte) error {
	if len(p) != felutils.RequestLen {
		return fmt.Errorf("%w: request of %d bytes", ErrDesync, len(p))
	}
	d.treq = nil
	d.state = 0
	if d.failTimes > 0 {
		req, _ := felutils.DecodeRequest(p)
		if req.Cmd == d.failCmd {
			d.failTimes--
			d.state = d.failState
		}
	}

	if cmd := uint16(p[0]) | uint16(p[1])<<8; cmd == felutils.FESTransmite {
		treq, err := felutils.DecodeTransportRequest(p)
		if err != nil {
			return err
		}
		d.Transports = append(d.Transports, treq)
		d.treq = &treq
		d.req = felutils.Request{Cmd: cmd, Address: treq.Address, Len: treq.Len}
		if treq.Direction&felutils.TransmiteWrite != 0 {
			d.stage = stageData
		} else {
			d.stage = stagePull
		}
		return nil
	}

	req, err := felutils.DecodeRequest(p)
	if err != nil {
		return err
	}
	d.req = req
	d.Requests = append(d.Requests, req)

	switch req.Cmd {
	case felutils.FELDownload, felutils.FESDownload:
		d.stage = stageData
		if req.Len == 0 {
			d.stage = stageStatus
		}
	case felutils.FELRun, felutils.FESRun:
		d.Runs = append(d.Runs, req.Address)
		if req.Cmd == felutils.FESRun && felutils.RunFlags(req.Len)&felutils.RunHasParam != 0 {
			d.stage = stageData
		} else {
			d.stage = stageStatus
		}
		if req.Cmd == felutils.FELRun && req.Address == UBootAddress {
			d.after = func() { d.Mode = felutils.ModeFES }
		}
	case felutils.FESFlashSetOn:
		d.StorageAttached = true
		d.stage = stageStatus
	case felutils.FESFlashSetOff:
		d.StorageAttached = false
		d.stage = stageStatus
	case felutils.FESToolMode:
		d.ToolMode, d.ToolAction = felutils.WorkMode(req.Address), felutils.Action(req.Len)
		d.stage = stageStatus
	case felutils.FESUnregFED:
		d.stage = stageStatus
	case felutils.FESVerifyStatus:
		d.polls++
		d.stage = stagePull
	default:
		d.stage = stagePull
	}
	return nil
}

func (d *Device) payload(p []byte) {
	req := d.req
	if d.treq != nil {
		if d.treq.MediaIndex == felutils.MediaDRAM {
			d.writeDRAM(req.Address, p)
		} else {
			d.writeStorage(req.Address, p)
		}
		return
	}
	switch req.Cmd {
	case felutils.FELRun, felutils.FESRun:
		args, _ := felutils.DecodeRunArgs(p)
		d.RunArgs = append(d.RunArgs, args)
		return
	case felutils.FELDownload:
		d.writeDRAM(req.Address, p)
		return
	}

	tags := felutils.Tags(req.Flags)
	switch tags.Data() {
	case felutils.TagErase:
		d.EraseFlag = p[0]
		if d.EraseDelay > 0 {
			time.Sleep(d.EraseDelay)
		}
	case felutils.TagMBR:
		d.MBR = place(d.MBR, req.Address, p)
	case felutils.TagUBoot:
		d.UBoot = place(d.UBoot, req.Address, p)
	case felutils.TagBoot0:
		d.Boot0 = place(d.Boot0, req.Address, p)
	default:
		if tags.DRAM() {
			d.writeDRAM(req.Address, p)
		} else {
			d.writeStorage(req.Address, p)
		}
	}
}

func place(buf []byte, off uint32, p []byte) []byte {
	if end := int(off) + len(p); end > len(buf) {
		buf = append(buf, make([]byte, end-len(buf))...)
	}
	copy(buf[off:], p)
	return buf
}

// answer produces the pulled data of the current operation or its status.
func (d *Device) answer(n int) ([]byte, error) {
	switch d.stage {
	case stagePull:
		p := d.pull(n)
		if d.truncate > 0 {
			p = p[:max(0, len(p)-d.truncate)]
			d.truncate = 0
		}
		d.stage = stageStatus
		return p, nil
	case stageStatus:
		if n != felutils.StatusLen {
			return nil, fmt.Errorf("%w: status of %d bytes", ErrDesync, n)
		}
		d.stage = stageRequest
		if d.after != nil {
			d.after()
			d.after = nil
		}
		return felutils.StatusResponse{Mark: 0xffff, State: d.state}.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: read during stage %d", ErrDesync, d.stage)
}

func (d *Device) pull(n int) []byte {
	req := d.req
	if d.treq != nil {
		if d.treq.MediaIndex == felutils.MediaDRAM {
			return d.ReadDRAM(req.Address, n)
		}
		return d.ReadStorage(req.Address, n)
	}
	switch req.Cmd {
	case felutils.FELVerifyDevice:
		return fit(felutils.DeviceInfo{Board: d.Board, Firmware: d.Firmware, Mode: d.Mode, DataStartAddress: 0x7e00}.Bytes(), n)
	case felutils.FELUpload:
		return d.ReadDRAM(req.Address, n)
	case felutils.FESUpload:
		if felutils.Tags(req.Flags).DRAM() {
			return d.ReadDRAM(req.Address, n)
		}
		return d.ReadStorage(req.Address, n)
	case felutils.FESQueryStorage:
		s := uint32(d.Storage)
		return fit([]byte{byte(s), byte(s >> 8), byte(s >> 16), byte(s >> 24)}, n)
	case felutils.FESVerifyValue:
		crc := crc32.ChecksumIEEE(d.ReadStorage(req.Address, int(req.Len)))
		return fit(felutils.VerifyStatusResponse{Flags: felutils.VerifyDone, CRC: crc}.Bytes(), n)
	case felutils.FESVerifyStatus:
		if d.polls <= d.PendingPolls {
			return fit(felutils.VerifyStatusResponse{}.Bytes(), n)
		}
		d.polls = 0
		r := felutils.VerifyStatusResponse{Flags: felutils.VerifyDone}
		switch felutils.Tags(req.Flags).Data() {
		case felutils.TagMBR:
			r = d.MBRResult
			r.Flags = felutils.VerifyDone
		case felutils.TagUBoot, felutils.TagBoot0:
			r.Result = d.BootResult
		}
		return fit(r.Bytes(), n)
	case felutils.FESGetMsg:
		return fit([]byte(d.Message), n)
	}
	return make([]byte, n)
}

func fit(p []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (d *Device) writeDRAM(address uint32, p []byte) {
	for i := 0; i < len(p); {
		a := address + uint32(i)
		page, off := a/pageSize, a%pageSize
		buf, ok := d.dram[page]
		if !ok {
			buf = make([]byte, pageSize)
			d.dram[page] = buf
		}
		i += copy(buf[off:], p[i:])
	}
}

// ReadDRAM returns n bytes of memory at address, unwritten memory reads as zero.
func (d *Device) ReadDRAM(address uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		a := address + uint32(i)
		page, off := a/pageSize, a%pageSize
		chunk := min(n-i, int(pageSize-off))
		if buf, ok := d.dram[page]; ok {
			copy(out[i:i+chunk], buf[off:])
		}
		i += chunk
	}
	return out
}

func (d *Device) writeStorage(sector uint32, p []byte) {
	if d.corrupt > 0 && len(p) > 0 {
		d.corrupt--
		p = append([]byte(nil), p...)
		p[0] ^= 0xff
	}
	for i := 0; i < len(p); i += felutils.SectorSize {
		s := sector + uint32(i/felutils.SectorSize)
		buf, ok := d.sectors[s]
		if !ok {
			buf = make([]byte, felutils.SectorSize)
			d.sectors[s] = buf
		}
		copy(buf, p[i:])
	}
}

// ReadStorage returns n bytes of storage starting at sector.
func (d *Device) ReadStorage(sector uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i += felutils.SectorSize {
		if buf, ok := d.sectors[sector+uint32(i/felutils.SectorSize)]; ok {
			copy(out[i:], buf)
		}
	}
	return out
}

// StorageCRC is the CRC32 the device reports for length bytes at sector.
func (d *Device) StorageCRC(sector uint32, length int) uint32 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return crc32.ChecksumIEEE(d.ReadStorage(sector, length))
}

// StorageWrites returns the download requests that targeted storage so far.
func (d *Device) StorageWrites() []felutils.Request {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var out []felutils.Request
	for _, r := range d.Requests {
		if r.Cmd == felutils.FESDownload && felutils.Tags(r.Flags).Data() == 0 && !felutils.Tags(r.Flags).DRAM() {
			out = append(out, r)
		}
	}
	return out
}

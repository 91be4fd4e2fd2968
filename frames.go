package felutils

import (
	"fmt"

	"github.com/JoshuaDoes/crunchio"
)

// Frame sizes on the wire
const (
	USBRequestLen     = 32
	USBResponseLen    = 13
	RequestLen        = 16
	StatusLen         = 8
	VerifyStatusLen   = 12
	VerifyDeviceLen   = 32
	TransportLen      = 16
	RunArgsLen        = 16
	usbRequestCmdLen  = 0x0C
	usbRequestMagic   = "AWUC"
	usbResponseMagic  = "AWUS"
	verifyDeviceMagic = "AWUSBFEX"
)

func frame(name string, size int) *crunchio.Buffer {
	return crunchio.NewBuffer(name, make([]byte, size))
}

func checkLen(name string, p []byte, size int) error {
	if len(p) != size {
		return fmt.Errorf("%s: got %d bytes, expected %d: %w", name, len(p), size, ErrMalformedFrame)
	}
	return nil
}

// USBRequest is the envelope announcing the direction and length of the next bulk exchange.
type USBRequest struct {
	Tag uint32
	Len uint32
	Cmd uint8 // USBRead or USBWrite
}

func (r *USBRequest) Bytes() []byte {
	buf := frame("AWUC", USBRequestLen)
	b := buf.Buffer()
	b.WriteBytes(0, []byte(usbRequestMagic))
	b.WriteU32LE(4, []uint32{r.Tag, r.Len})
	b.WriteBytes(15, []byte{usbRequestCmdLen, r.Cmd})
	b.WriteU32LE(18, []uint32{r.Len})
	return buf.Bytes()
}

// DecodeUSBRequest parses an envelope as written by a host.
func DecodeUSBRequest(p []byte) (*USBRequest, error) {
	if err := checkLen("usb request", p, USBRequestLen); err != nil {
		return nil, err
	}
	b := crunchio.NewBuffer("AWUC", p).Buffer()
	if string(b.ReadBytes(0, 4)) != usbRequestMagic {
		return nil, fmt.Errorf("usb request: bad magic %q: %w", b.ReadBytes(0, 4), ErrMalformedFrame)
	}
	v := b.ReadU32LE(4, 2)
	return &USBRequest{Tag: v[0], Len: v[1], Cmd: b.ReadBytes(16, 1)[0]}, nil
}

// USBResponse is the envelope answer closing every bulk exchange.
type USBResponse struct {
	Tag     uint32
	Residue uint32
	Status  uint8
}

func (r *USBResponse) Bytes() []byte {
	buf := frame("AWUS", USBResponseLen)
	b := buf.Buffer()
	b.WriteBytes(0, []byte(usbResponseMagic))
	b.WriteU32LE(4, []uint32{r.Tag, r.Residue})
	b.WriteBytes(12, []byte{r.Status})
	return buf.Bytes()
}

func DecodeUSBResponse(p []byte) (*USBResponse, error) {
	if err := checkLen("usb response", p, USBResponseLen); err != nil {
		return nil, err
	}
	b := crunchio.NewBuffer("AWUS", p).Buffer()
	if string(b.ReadBytes(0, 4)) != usbResponseMagic {
		return nil, fmt.Errorf("usb response: bad magic %q: %w", b.ReadBytes(0, 4), ErrMalformedFrame)
	}
	v := b.ReadU32LE(4, 2)
	return &USBResponse{Tag: v[0], Residue: v[1], Status: b.ReadBytes(12, 1)[0]}, nil
}

// Request is the 16-byte FEL/FES command message.
type Request struct {
	Cmd     uint16
	Tag     uint16
	Address uint32
	Len     uint32
	Flags   uint32
}

// StandardRequest is a request carrying only a command code.
func StandardRequest(cmd uint16) Request {
	return Request{Cmd: cmd}
}

func (r Request) Bytes() []byte {
	buf := frame("request", RequestLen)
	b := buf.Buffer()
	b.WriteU16LE(0, []uint16{r.Cmd, r.Tag})
	b.WriteU32LE(4, []uint32{r.Address, r.Len, r.Flags})
	return buf.Bytes()
}

func (r Request) String() string {
	return fmt.Sprintf("%s addr=0x%08X len=%d flags=%s", CommandName(r.Cmd), r.Address, r.Len, Tags(r.Flags))
}

func DecodeRequest(p []byte) (Request, error) {
	if err := checkLen("request", p, RequestLen); err != nil {
		return Request{}, err
	}
	b := crunchio.NewBuffer("request", p).Buffer()
	h := b.ReadU16LE(0, 2)
	v := b.ReadU32LE(4, 3)
	return Request{Cmd: h[0], Tag: h[1], Address: v[0], Len: v[1], Flags: v[2]}, nil
}

// TransportRequest is the FES_TRANSMITE request of boot 1.0 loaders.
type TransportRequest struct {
	Tag        uint16
	Address    uint32
	Len        uint32
	MediaIndex uint8
	Direction  uint8
}

func (r TransportRequest) Bytes() []byte {
	buf := frame("transport request", TransportLen)
	b := buf.Buffer()
	b.WriteU16LE(0, []uint16{FESTransmite, r.Tag})
	b.WriteU32LE(4, []uint32{r.Address, r.Len})
	b.WriteBytes(12, []byte{r.MediaIndex, r.Direction})
	return buf.Bytes()
}

func DecodeTransportRequest(p []byte) (TransportRequest, error) {
	if err := checkLen("transport request", p, TransportLen); err != nil {
		return TransportRequest{}, err
	}
	b := crunchio.NewBuffer("transport request", p).Buffer()
	h := b.ReadU16LE(0, 2)
	if h[0] != FESTransmite {
		return TransportRequest{}, fmt.Errorf("transport request: command 0x%03X: %w", h[0], ErrMalformedFrame)
	}
	v := b.ReadU32LE(4, 2)
	m := b.ReadBytes(12, 2)
	return TransportRequest{Tag: h[1], Address: v[0], Len: v[1], MediaIndex: m[0], Direction: m[1]}, nil
}

// StatusResponse closes every FEL/FES operation. State is non-zero on failure.
type StatusResponse struct {
	Mark  uint16
	Tag   uint16
	State uint8
}

func (r StatusResponse) Bytes() []byte {
	buf := frame("status", StatusLen)
	b := buf.Buffer()
	b.WriteU16LE(0, []uint16{r.Mark, r.Tag})
	b.WriteBytes(4, []byte{r.State})
	return buf.Bytes()
}

func DecodeStatus(p []byte) (StatusResponse, error) {
	if err := checkLen("status", p, StatusLen); err != nil {
		return StatusResponse{}, err
	}
	b := crunchio.NewBuffer("status", p).Buffer()
	h := b.ReadU16LE(0, 2)
	return StatusResponse{Mark: h[0], Tag: h[1], State: b.ReadBytes(4, 1)[0]}, nil
}

// VerifyStatusResponse is the answer of FES_VERIFY_STATUS and FES_VERIFY_VALUE.
// Flags equals VerifyDone once the device finished checking, Result is 0 on success and -1 on failure.
type VerifyStatusResponse struct {
	Flags  uint32
	CRC    uint32
	Result int32
}

// Done reports whether the device finished its verification.
func (r VerifyStatusResponse) Done() bool {
	return r.Flags == VerifyDone
}

func (r VerifyStatusResponse) Bytes() []byte {
	buf := frame("verify status", VerifyStatusLen)
	buf.Buffer().WriteU32LE(0, []uint32{r.Flags, r.CRC, uint32(r.Result)})
	return buf.Bytes()
}

func DecodeVerifyStatus(p []byte) (VerifyStatusResponse, error) {
	if err := checkLen("verify status", p, VerifyStatusLen); err != nil {
		return VerifyStatusResponse{}, err
	}
	v := crunchio.NewBuffer("verify status", p).Buffer().ReadU32LE(0, 3)
	return VerifyStatusResponse{Flags: v[0], CRC: v[1], Result: int32(v[2])}, nil
}

// DeviceInfo is the answer of FEL_VERIFY_DEVICE.
type DeviceInfo struct {
	Board            uint32
	Firmware         uint32
	Mode             Mode
	DataFlag         uint8
	DataLength       uint8
	DataStartAddress uint32
}

func (d DeviceInfo) Bytes() []byte {
	buf := frame("verify device", VerifyDeviceLen)
	b := buf.Buffer()
	b.WriteBytes(0, []byte(verifyDeviceMagic))
	b.WriteU32LE(8, []uint32{d.Board, d.Firmware})
	b.WriteU16LE(16, []uint16{uint16(d.Mode)})
	b.WriteBytes(18, []byte{d.DataFlag, d.DataLength})
	b.WriteU32LE(20, []uint32{d.DataStartAddress})
	return buf.Bytes()
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (board 0x%08X, fw 0x%X, mode %s)", BoardName(d.Board), d.Board, d.Firmware, d.Mode)
}

func DecodeDeviceInfo(p []byte) (DeviceInfo, error) {
	if err := checkLen("verify device", p, VerifyDeviceLen); err != nil {
		return DeviceInfo{}, err
	}
	b := crunchio.NewBuffer("verify device", p).Buffer()
	if string(b.ReadBytes(0, 8)) != verifyDeviceMagic {
		return DeviceInfo{}, fmt.Errorf("verify device: bad magic %q: %w", b.ReadBytes(0, 8), ErrMalformedFrame)
	}
	v := b.ReadU32LE(8, 2)
	f := b.ReadBytes(18, 2)
	return DeviceInfo{
		Board:            v[0],
		Firmware:         v[1],
		Mode:             Mode(b.ReadU16LE(16, 1)[0]),
		DataFlag:         f[0],
		DataLength:       f[1],
		DataStartAddress: b.ReadU32LE(20, 1)[0],
	}, nil
}

// RunArgs is the parameter block pushed before FES_RUN when RunHasParam is set.
type RunArgs [4]uint32

func (a RunArgs) Bytes() []byte {
	buf := frame("run args", RunArgsLen)
	buf.Buffer().WriteU32LE(0, a[:])
	return buf.Bytes()
}

func DecodeRunArgs(p []byte) (RunArgs, error) {
	var a RunArgs
	if err := checkLen("run args", p, RunArgsLen); err != nil {
		return a, err
	}
	copy(a[:], crunchio.NewBuffer("run args", p).Buffer().ReadU32LE(0, 4))
	return a, nil
}

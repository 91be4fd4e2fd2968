package felutils

import (
	"errors"
	"fmt"
	"time"
)

// MBRSize is the only accepted size of a partition table blob.
const MBRSize = 65536

// Progress is called after every piece with the number of bytes transferred so far.
type Progress func(done int)

// Bytewise reports whether addresses advance by bytes (DRAM or FEL) rather than sectors.
func Bytewise(tags Tags, mode Mode) bool {
	return mode == ModeFEL || tags.DRAM()
}

// AdvanceAddress returns the address following a single piece of n bytes.
// Storage addresses move by sectors, a piece shorter than a sector still moves by one.
func AdvanceAddress(address uint32, n int, tags Tags, mode Mode) uint32 {
	return advance(address, n, Bytewise(tags, mode))
}

func advance(address uint32, n int, bytewise bool) uint32 {
	if bytewise {
		return address + uint32(n)
	}
	sectors := n / SectorSize
	if sectors == 0 {
		sectors = 1
	}
	return address + uint32(sectors)
}

// AddressAfter returns the address following length bytes written or read in the session's pieces.
func (s *Session) AddressAfter(address uint32, length int, tags Tags, mode Mode) uint32 {
	bytewise := Bytewise(tags, mode)
	for length > 0 {
		n := min(length, s.cfg.MaxChunk)
		address = advance(address, n, bytewise)
		length -= n
	}
	return address
}

func missing(op, what string) error {
	return &FatalError{Op: op, Err: fmt.Errorf("%s not specified: %w", what, ErrMissingArgument)}
}

// Read pulls length bytes starting at address.
func (s *Session) Read(address uint32, length int, tags Tags, mode Mode, progress Progress) ([]byte, error) {
	if length <= 0 {
		return nil, missing("read", "length")
	}
	cmd := FELUpload
	if mode == ModeFES {
		cmd = FESUpload
	}
	bytewise := Bytewise(tags, mode)
	result := make([]byte, 0, length)
	for done := 0; done < length; {
		n := min(length-done, s.cfg.MaxChunk)
		req := Request{Cmd: cmd, Address: address, Len: uint32(n), Flags: uint32(tags)}
		p, err := s.transfer(Pull, exchange{
			op:      "read",
			frame:   req.Bytes(),
			address: address,
			offset:  done,
			slow:    slowRequest(req),
		}, n, nil)
		if err != nil {
			return nil, fmt.Errorf("read at 0x%08X (offset %d of %d): %w", address, done, length, err)
		}
		result = append(result, p...)
		done += n
		address = advance(address, n, bytewise)
		if progress != nil {
			progress(done)
		}
	}
	return result, nil
}

// Write pushes data starting at address. In FES mode the last piece carries the finish tag
// unless dontFinish is set.
func (s *Session) Write(address uint32, data []byte, tags Tags, mode Mode, dontFinish bool, progress Progress) error {
	if data == nil {
		return missing("write", "data")
	}
	cmd := FELDownload
	if mode == ModeFES {
		cmd = FESDownload
	}
	bytewise := Bytewise(tags, mode)
	total := len(data)
	for done := 0; done < total; {
		n := min(total-done, s.cfg.MaxChunk)
		flags := tags
		if mode == ModeFES && done+n == total && !dontFinish {
			flags = flags.With(TagFinish)
		}
		req := Request{Cmd: cmd, Address: address, Len: uint32(n), Flags: uint32(flags)}
		_, err := s.transfer(Push, exchange{
			op:      "write",
			frame:   req.Bytes(),
			address: address,
			offset:  done,
			slow:    slowRequest(req),
		}, 0, data[done:done+n])
		if err != nil {
			return fmt.Errorf("write at 0x%08X (offset %d of %d): %w", address, done, total, err)
		}
		done += n
		address = advance(address, n, bytewise)
		if progress != nil {
			progress(done)
		}
	}
	return nil
}

// Run executes code at address. Flags are only valid in FES mode, when they include RunHasParam
// the args block is pushed with the request.
func (s *Session) Run(address uint32, mode Mode, flags RunFlags, args *RunArgs) error {
	cmd := FELRun
	if mode == ModeFES {
		cmd = FESRun
	} else if flags != RunNone {
		return &FatalError{Op: "run", Address: address, Err: fmt.Errorf("cannot use flags 0x%X in FEL: %w", uint32(flags), ErrInvalidArgument)}
	}
	req := Request{Cmd: cmd, Address: address, Len: uint32(flags)}
	var data []byte
	if flags&RunHasParam == RunHasParam {
		if args == nil {
			args = &RunArgs{}
		}
		data = args.Bytes()
	}
	if _, err := s.Transfer(Push, req, 0, data); err != nil {
		return fmt.Errorf("run at 0x%08X: %w", address, err)
	}
	return nil
}

// DeviceStatus asks the device which mode it is in.
func (s *Session) DeviceStatus() (DeviceInfo, error) {
	p, err := s.Transfer(Pull, StandardRequest(FELVerifyDevice), VerifyDeviceLen, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	info, err := DecodeDeviceInfo(p)
	if err != nil {
		return DeviceInfo{}, &FatalError{Op: "verify device", Length: len(p), Err: err}
	}
	return info, nil
}

// Info returns the raw FES_INFO answer (code execution status).
func (s *Session) Info() ([]byte, error) {
	return s.Transfer(Pull, StandardRequest(FESInfo), 32, nil)
}

// GetMsg returns the code execution status string, n defaults to 1024 bytes.
func (s *Session) GetMsg(n int) ([]byte, error) {
	if n <= 0 {
		n = 1024
	}
	return s.Transfer(Pull, Request{Cmd: FESGetMsg, Address: uint32(n)}, n, nil)
}

// UnregFED detaches the storage behind a media index.
func (s *Session) UnregFED(media uint8) error {
	_, err := s.Transfer(Push, Request{Cmd: FESUnregFED, Address: uint32(media)}, 0, nil)
	return err
}

// QueryStorage returns the kind of storage the loader booted from.
func (s *Session) QueryStorage() (StorageType, error) {
	p, err := s.Transfer(Pull, StandardRequest(FESQueryStorage), 4, nil)
	if err != nil {
		return 0, err
	}
	return StorageType(uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24), nil
}

var errVerifyPending = errors.New("verification pending")

// VerifyStatus polls the result of the last operation matching tags until the device reports
// that it finished, within the session's verify policy.
func (s *Session) VerifyStatus(tags Tags) (VerifyStatusResponse, error) {
	var last VerifyStatusResponse
	attempts := 0
	err := s.cfg.VerifyPolicy.Do(func(int) error {
		attempts++
		p, err := s.Transfer(Pull, Request{Cmd: FESVerifyStatus, Flags: uint32(tags)}, VerifyStatusLen, nil)
		if err != nil {
			return err
		}
		if last, err = DecodeVerifyStatus(p); err != nil {
			return &FatalError{Op: "verify status", Length: len(p), Err: err}
		}
		if !last.Done() {
			s.log.Tracef("Verify status %s pending (flags 0x%08X)", tags, last.Flags)
			return errVerifyPending
		}
		return nil
	}, func(err error) bool { return err == errVerifyPending })
	if err == errVerifyPending {
		return last, &VerifyTimeoutError{Tags: tags, Attempts: attempts, Last: last}
	}
	return last, err
}

// VerifyValue asks the device for the CRC32 of length bytes at address.
func (s *Session) VerifyValue(address uint32, length uint32) (VerifyStatusResponse, error) {
	p, err := s.Transfer(Pull, Request{Cmd: FESVerifyValue, Address: address, Len: length}, VerifyStatusLen, nil)
	if err != nil {
		return VerifyStatusResponse{}, err
	}
	r, err := DecodeVerifyStatus(p)
	if err != nil {
		return r, &FatalError{Op: "verify value", Address: address, Length: int(length), Err: err}
	}
	return r, nil
}

// SetStorageState attaches (on) or detaches the storage. An MBR must be written first.
func (s *Session) SetStorageState(on bool) error {
	cmd := FESFlashSetOff
	if on {
		cmd = FESFlashSetOn
	}
	_, err := s.Transfer(Push, StandardRequest(cmd), 0, nil)
	return err
}

// SetToolMode changes the U-Boot work mode, the action is only honored with WorkModeUSBToolUpdate.
func (s *Session) SetToolMode(mode WorkMode, action Action) error {
	_, err := s.Transfer(Push, Request{Cmd: FESToolMode, Address: uint32(mode), Len: uint32(action)}, 0, nil)
	return err
}

// MBRResult is the verification record of a partition table write.
type MBRResult struct {
	VerifyStatusResponse
	// EraseTime is how long the device took to accept the erase flag.
	EraseTime time.Duration
}

// WriteMBR sets the erase flag, writes the partition table and returns the device's verification
// of it. A non-zero CRC field means the table was rejected.
func (s *Session) WriteMBR(mbr []byte, format bool) (MBRResult, error) {
	var res MBRResult
	if len(mbr) == 0 {
		return res, missing("write mbr", "mbr")
	}
	if len(mbr) != MBRSize {
		return res, &FatalError{Op: "write mbr", Length: len(mbr), Err: fmt.Errorf("mbr must be %d bytes: %w", MBRSize, ErrInvalidArgument)}
	}
	flag := []byte{0, 0, 0, 0}
	if format {
		flag[0] = 1
	}
	start := time.Now()
	if err := s.Write(0, flag, TagsOf(TagErase, TagFinish), ModeFES, false, nil); err != nil {
		return res, fmt.Errorf("write erase flag: %w", err)
	}
	res.EraseTime = time.Since(start)
	if err := s.Write(0, mbr, TagsOf(TagMBR, TagFinish), ModeFES, false, nil); err != nil {
		return res, fmt.Errorf("write mbr: %w", err)
	}
	status, err := s.VerifyStatus(TagsOf(TagMBR))
	res.VerifyStatusResponse = status
	return res, err
}

// TransmitWrite writes data with FES_TRANSMITE (boot 1.0 loaders).
func (s *Session) TransmitWrite(address uint32, data []byte, media uint8, dontFinish bool, progress Progress) error {
	if data == nil {
		return missing("transmite write", "data")
	}
	dir := TransmiteWrite
	if media > MediaDRAM {
		dir |= TransmiteStart
	}
	bytewise := media == MediaDRAM
	total := len(data)
	for done := 0; done < total; {
		n := min(total-done, s.cfg.MaxChunk)
		if done+n == total && !dontFinish {
			dir |= TransmiteFinish
		}
		req := TransportRequest{Address: address, Len: uint32(n), MediaIndex: media, Direction: dir}
		_, err := s.transfer(Push, exchange{op: "transmite write", frame: req.Bytes(), address: address, offset: done}, 0, data[done:done+n])
		if err != nil {
			return fmt.Errorf("transmite write at 0x%08X (offset %d of %d): %w", address, done, total, err)
		}
		done += n
		address = advance(address, n, bytewise)
		if progress != nil {
			progress(done)
		}
	}
	return nil
}

// TransmitRead reads length bytes with FES_TRANSMITE (boot 1.0 loaders).
func (s *Session) TransmitRead(address uint32, length int, media uint8, progress Progress) ([]byte, error) {
	if length <= 0 {
		return nil, missing("transmite read", "length")
	}
	bytewise := media == MediaDRAM
	result := make([]byte, 0, length)
	for done := 0; done < length; {
		n := min(length-done, s.cfg.MaxChunk)
		req := TransportRequest{Address: address, Len: uint32(n), MediaIndex: media, Direction: TransmiteRead}
		p, err := s.transfer(Pull, exchange{op: "transmite read", frame: req.Bytes(), address: address, offset: done}, n, nil)
		if err != nil {
			return nil, fmt.Errorf("transmite read at 0x%08X (offset %d of %d): %w", address, done, length, err)
		}
		result = append(result, p...)
		done += n
		address = advance(address, n, bytewise)
		if progress != nil {
			progress(done)
		}
	}
	return result, nil
}

package felutils

import (
	"errors"
	"fmt"
	"time"
)

// Direction of an operation relative to the host.
type Direction int

const (
	Pull Direction = iota
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// exchange describes one framed operation as the engine sees it.
type exchange struct {
	op      string
	frame   []byte
	address uint32
	offset  int
	slow    bool
}

func (x exchange) fatal(step string, length int, err error) error {
	return &FatalError{Op: x.op + ": " + step, Address: x.address, Offset: x.offset, Length: length, Err: err}
}

// slowRequest reports whether the device may take long to answer req (erase, verification, storage).
func slowRequest(req Request) bool {
	switch req.Cmd {
	case FESFlashSetOn, FESFlashSetOff, FESVerifyStatus, FESVerifyValue, FESQueryStorage:
		return true
	}
	switch Tags(req.Flags).Data() {
	case TagErase, TagMBR:
		return true
	}
	return false
}

// Transfer issues a single framed operation.
//
// For Push, data (if any) is sent after the request. For Pull, exactly size bytes are read back
// and returned. Every operation ends with a status record, a failed state is returned as a
// recoverable *ProtocolError of kind CommandFailed. An interruption while sending the request is
// retried once; anything else that goes wrong is a *FatalError.
func (s *Session) Transfer(dir Direction, req Request, size int, data []byte) ([]byte, error) {
	return s.transfer(dir, exchange{
		op:      CommandName(req.Cmd),
		frame:   req.Bytes(),
		address: req.Address,
		slow:    slowRequest(req),
	}, size, data)
}

func (s *Session) transfer(dir Direction, x exchange, size int, data []byte) ([]byte, error) {
	if dir == Pull && data != nil {
		return nil, x.fatal("request", len(data), fmt.Errorf("data given for pull: %w", ErrInvalidArgument))
	}
	if dir == Push && size != 0 {
		return nil, x.fatal("request", size, fmt.Errorf("size given for push: %w", ErrInvalidArgument))
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, x.fatal("request", len(x.frame), ErrClosed)
	}

	recvTimeout := s.cfg.Timeout
	if x.slow {
		recvTimeout = s.cfg.SlowTimeout
	}

	err := retryOnce.Do(func(attempt int) error {
		if attempt > 0 {
			s.log.Debugf("Retrying %s after interruption", x.op)
		}
		return s.sendPacket(x.op, x.frame, recvTimeout)
	}, isInterrupted)
	if err != nil {
		return nil, x.fatal("failed to send a request", len(x.frame), err)
	}

	var answer []byte
	switch dir {
	case Pull:
		if size > 0 {
			answer, err = s.recvPacket(x.op, size, recvTimeout)
			if err != nil {
				return nil, x.fatal("failed to get the data", size, err)
			}
			if len(answer) != size {
				return nil, x.fatal("failed to get the data", size,
					fmt.Errorf("unexpected answer length (%d <> %d)", len(answer), size))
			}
		}
	case Push:
		if len(data) > 0 {
			if err := s.sendPacket(x.op, data, recvTimeout); err != nil {
				return nil, x.fatal("failed to send the data", len(data), err)
			}
		}
	}

	p, err := s.recvPacket(x.op, StatusLen, recvTimeout)
	if err != nil {
		return nil, x.fatal("failed to receive the device status", StatusLen, err)
	}
	status, err := DecodeStatus(p)
	if err != nil {
		return nil, x.fatal("unexpected device response", len(p), err)
	}
	if status.State > 0 {
		return nil, &ProtocolError{Kind: CommandFailed, Op: x.op, State: status.State}
	}
	return answer, nil
}

// sendPacket announces p with a write envelope, sends it and reads the envelope answer.
func (s *Session) sendPacket(op string, p []byte, recvTimeout time.Duration) error {
	env := USBRequest{Len: uint32(len(p)), Cmd: USBWrite}
	if err := s.write(op, env.Bytes()); err != nil {
		return err
	}
	if err := s.write(op, p); err != nil {
		return err
	}
	return s.readResponse(op, recvTimeout)
}

// recvPacket announces a read of n bytes, reads them and then the envelope answer.
func (s *Session) recvPacket(op string, n int, timeout time.Duration) ([]byte, error) {
	env := USBRequest{Len: uint32(n), Cmd: USBRead}
	if err := s.write(op, env.Bytes()); err != nil {
		return nil, err
	}
	p, err := s.t.Recv(n, timeout)
	if err != nil {
		return nil, s.classify(op, fmt.Errorf("failed to receive %d bytes: %w", n, err))
	}
	s.log.Tracef("<-- (% 5d) %s data", len(p), op)
	if err := s.readResponse(op, timeout); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Session) write(op string, p []byte) error {
	n, err := s.t.Send(p, s.cfg.Timeout)
	if err != nil {
		return s.classify(op, fmt.Errorf("failed to send %d bytes: %w", len(p), err))
	}
	if n != len(p) {
		return fmt.Errorf("short write: sent %d of %d bytes", n, len(p))
	}
	s.log.Tracef("--> (% 5d) %s", n, op)
	return nil
}

func (s *Session) readResponse(op string, timeout time.Duration) error {
	p, err := s.t.Recv(USBResponseLen, timeout)
	if err != nil {
		return s.classify(op, fmt.Errorf("failed to receive the usb response: %w", err))
	}
	resp, err := DecodeUSBResponse(p)
	if err != nil {
		return err
	}
	s.log.Tracef("<-- (% 5d) AWUSBResponse 0x%x, status %d", len(p), resp.Tag, resp.Status)
	return nil
}

// classify turns transport interruptions into recoverable errors.
func (s *Session) classify(op string, err error) error {
	if errors.Is(err, ErrInterrupted) {
		return &ProtocolError{Kind: Interrupted, Op: op, Err: err}
	}
	return err
}

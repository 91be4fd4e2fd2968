package suit

import (
	"errors"
	"fmt"
	"time"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/JoshuaDoes/sunxi-usbfel/livesuit"
	"github.com/JoshuaDoes/sunxi-usbfel/sparse"
)

var (
	ErrLegacyImage  = errors.New("legacy images (boot 1.0) are not supported")
	ErrMissingItem  = errors.New("item not found in image")
	ErrMBRRejected  = errors.New("Cannot flash new partition table")
	ErrVerifyFailed = errors.New("verification failed")
	ErrNotFES       = errors.New("Failed to boot to fes")
)

// Flash runs the whole sequence. On error the state is Failed and an Error event was reported.
func (f *Suit) Flash() (err error) {
	defer func() {
		if err != nil {
			f.enter(Failed)
			f.emit(Error, 0, "Flashing failed: %v", err)
		}
	}()

	if f.img.IsLegacy() {
		return ErrLegacyImage
	}

	info, err := f.Session().DeviceStatus()
	if err != nil {
		return fmt.Errorf("Failed to get device info. Try to reboot! %w", err)
	}
	f.enter(DeviceModeKnown)
	f.emit(Info, 0, "Found %s", info)

	switch info.Mode {
	case felutils.ModeFEL:
		if err := f.bootToFES(); err != nil {
			return err
		}
	case felutils.ModeFES:
	default:
		return fmt.Errorf("device is in %s mode: %w", info.Mode, ErrNotFES)
	}
	f.enter(FesReady)

	if err := f.writeMBR(); err != nil {
		return err
	}
	f.enter(MbrWritten)

	s := f.Session()
	f.emit(Action, 0, "Attaching storage")
	if err := s.SetStorageState(true); err != nil {
		return fmt.Errorf("attaching storage: %w", err)
	}
	f.enter(StorageAttached)

	if err := f.writePartitions(); err != nil {
		return err
	}
	f.enter(PartitionsWritten)

	f.emit(Action, 0, "Detaching storage")
	if err := s.SetStorageState(false); err != nil {
		return fmt.Errorf("detaching storage: %w", err)
	}
	f.enter(StorageDetached)

	if err := f.writeBoot("u-boot.fex", felutils.TagUBoot); err != nil {
		return err
	}
	f.enter(BootloaderWritten)

	storage, err := s.QueryStorage()
	if err != nil {
		return fmt.Errorf("querying storage: %w", err)
	}
	boot0 := "boot0_sdcard.fex"
	if storage == felutils.StorageNAND {
		boot0 = "boot0_nand.fex"
	}
	f.emit(Info, 0, "Storage is %s", storage)
	if err := f.writeBoot(boot0, felutils.TagBoot0); err != nil {
		return err
	}

	f.emit(Action, 0, "Rebooting")
	if err := s.SetToolMode(felutils.WorkModeUSBToolUpdate, felutils.ActionNone); err != nil {
		return fmt.Errorf("rebooting: %w", err)
	}
	f.enter(Rebooted)
	f.enter(Done)
	f.emit(Info, 100, "Done")
	return nil
}

func (f *Suit) item(name string) (*livesuit.Item, []byte, error) {
	it, ok := f.img.ItemByFile(name)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrMissingItem)
	}
	data, err := f.img.ReadItem(it)
	if err != nil {
		return nil, nil, err
	}
	return it, data, nil
}

// bootToFES uploads fes1 and U-Boot in FEL mode, runs them and waits for the device to come back.
func (f *Suit) bootToFES() error {
	f.enter(BootingToFes)
	_, fes, err := f.item("fes1.fex")
	if err != nil {
		return err
	}
	_, uboot, err := f.item("u-boot.fex")
	if err != nil {
		return err
	}
	if len(fes) > FESMaxSize {
		return &felutils.FatalError{Op: "boot to fes", Address: FESAddress, Length: len(fes),
			Err: fmt.Errorf("eGON is too big (%d>%d): %w", len(fes), FESMaxSize, felutils.ErrInvalidArgument)}
	}
	if felutils.IsEGON(fes) {
		if err := felutils.CheckEGON(fes); err != nil {
			return &felutils.FatalError{Op: "boot to fes", Address: FESAddress, Length: len(fes), Err: err}
		}
	} else {
		f.emit(Warn, 0, "fes1.fex has no eGON.BT0 header")
	}

	s := f.Session()
	f.emit(Action, 0, "Uploading fes1.fex (%d bytes)", len(fes))
	if err := s.Write(FESAddress, fes, felutils.TagsOf(), felutils.ModeFEL, false, nil); err != nil {
		return err
	}
	if err := s.Run(FESAddress, felutils.ModeFEL, felutils.RunNone, nil); err != nil {
		return err
	}
	f.emit(Action, 0, "Uploading u-boot.fex (%d bytes)", len(uboot))
	if err := s.Write(UBootAddress, uboot, felutils.TagsOf(), felutils.ModeFEL, false, f.percent("u-boot.fex", len(uboot))); err != nil {
		return err
	}
	if err := s.Write(WorkModeAddress, []byte{byte(felutils.WorkModeUSBProduct)}, felutils.TagsOf(), felutils.ModeFEL, false, nil); err != nil {
		return err
	}
	if err := s.Run(UBootAddress, felutils.ModeFEL, felutils.RunNone, nil); err != nil {
		return err
	}

	f.emit(Info, 0, "Waiting %s for the device to reboot", f.cfg.SettleTime)
	time.Sleep(f.cfg.SettleTime)
	f.enter(Reconnecting)
	if f.cfg.Reconnect == nil {
		return errors.New("device rebooted to fes but no reconnect function was given")
	}
	if err := s.Close(); err != nil {
		f.log.Debugf("Closing FEL session: %v", err)
	}

	var next *felutils.Session
	err = f.cfg.ReconnectPolicy.Do(func(attempt int) error {
		f.log.Debugf("Reconnect attempt %d", attempt+1)
		var err error
		next, err = f.cfg.Reconnect()
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", max(f.cfg.ReconnectPolicy.Attempts, 1), err)
	}
	f.mutex.Lock()
	f.sess = next
	f.mutex.Unlock()

	info, err := next.DeviceStatus()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFES, err)
	}
	if info.Mode != felutils.ModeFES {
		return fmt.Errorf("device is in %s mode: %w", info.Mode, ErrNotFES)
	}
	f.emit(Info, 0, "Device is in FES mode")
	return nil
}

func (f *Suit) writeMBR() error {
	_, mbr, err := f.item("sunxi_mbr.fex")
	if err != nil {
		return err
	}
	if table, err := livesuit.ParseMBR(mbr); err == nil {
		for _, p := range table.Partitions {
			f.log.Debugf("Partition %-12s @ 0x%08x [%d MB]", p.Name, p.Address, p.Length/2048)
		}
	}
	f.emit(Action, 0, "Writing new partition table")
	res, err := f.Session().WriteMBR(mbr, f.cfg.Format)
	if err != nil {
		return err
	}
	if res.EraseTime > f.cfg.EraseThreshold {
		f.emit(Info, 0, "Storage has been formatted (erase took %s)", res.EraseTime.Round(time.Second))
	}
	if res.CRC != 0 {
		return fmt.Errorf("%w (crc 0x%08X, result %d)", ErrMBRRejected, res.CRC, res.Result)
	}
	return nil
}

func (f *Suit) writePartitions() error {
	_, raw, err := f.item("dlinfo.fex")
	if err != nil {
		return err
	}
	plan, err := livesuit.ParseDownloadInfo(raw)
	if err != nil {
		return err
	}
	if !plan.CRCValid() {
		f.emit(Warn, 0, "dlinfo.fex checksum mismatch")
	}
	for _, dl := range plan.Items {
		if dl.Name == userDataPartition && !f.cfg.Format {
			f.emit(Info, 0, "Skipping %s", dl.Name)
			continue
		}
		it, ok := f.img.ItemBySignature(dl.Filename)
		if !ok {
			f.emit(Warn, 0, "No data for %s (%s), skipping", dl.Name, dl.Filename)
			continue
		}
		if err := f.writePartition(dl, it); err != nil {
			return fmt.Errorf("partition %s: %w", dl.Name, err)
		}
	}
	return nil
}

// expectedCRC reads the companion checksum of a partition, ok is false when there is none.
func (f *Suit) expectedCRC(dl livesuit.DownloadItem) (uint32, bool, error) {
	if dl.VerifyFilename == "" {
		return 0, false, nil
	}
	it, ok := f.img.ItemBySignature(dl.VerifyFilename)
	if !ok {
		return 0, false, nil
	}
	p, err := f.img.ReadItemHead(it, 4)
	if err != nil {
		return 0, false, err
	}
	if len(p) < 4 {
		return 0, false, nil
	}
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24, true, nil
}

func (f *Suit) writePartition(dl livesuit.DownloadItem, it *livesuit.Item) error {
	s := f.Session()
	address := uint32(dl.Address)

	head, err := f.img.ReadItemHead(it, sparseProbeLen)
	if err != nil {
		return err
	}
	var img *sparse.Image
	length := int64(it.DataLen)
	if sparse.IsValid(head) {
		if img, err = sparse.Open(f.img.ItemReader(it), 0); err != nil {
			return err
		}
		length = img.FinalSize()
	}

	want, verify, err := f.expectedCRC(dl)
	if err != nil {
		return err
	}
	if verify && !f.cfg.Format {
		got, err := s.VerifyValue(address, uint32(length))
		if err != nil {
			return err
		}
		if got.CRC == want {
			f.emit(Info, 0, "%s is unchanged, skipping", dl.Name)
			return nil
		}
	}

	retries := f.cfg.VerifyRetries
	for attempt := 0; ; attempt++ {
		canRetry := retries < 0 || attempt < retries
		f.emit(Action, 0, "Writing %s (%d bytes at 0x%08x)", dl.Name, length, address)
		if img != nil {
			err = f.pipeSparse(dl.Name, address, img)
		} else {
			err = f.pipeRaw(dl.Name, address, it)
		}
		if err != nil {
			if felutils.IsCommandFailed(err) && canRetry {
				f.emit(Warn, attempt+1, "Writing %s failed (%v), retrying", dl.Name, err)
				continue
			}
			return err
		}
		if !verify || !f.cfg.Verify {
			return nil
		}
		got, err := s.VerifyValue(address, uint32(length))
		if err != nil {
			if felutils.IsCommandFailed(err) && canRetry {
				f.emit(Warn, attempt+1, "Verifying %s failed (%v), rewriting", dl.Name, err)
				continue
			}
			return err
		}
		if got.CRC == want {
			f.emit(Info, 0, "%s verified (crc 0x%08X)", dl.Name, want)
			return nil
		}
		if !canRetry {
			return fmt.Errorf("%s crc 0x%08X, expected 0x%08X after %d attempts: %w", dl.Name, got.CRC, want, attempt+1, ErrVerifyFailed)
		}
		f.emit(Warn, attempt+1, "%s crc mismatch (0x%08X != 0x%08X), rewriting", dl.Name, got.CRC, want)
	}
}

// writeBoot writes a boot stage to its tagged storage area and checks the device accepted it.
func (f *Suit) writeBoot(name string, tag felutils.Tag) error {
	_, data, err := f.item(name)
	if err != nil {
		return err
	}
	s := f.Session()
	tags := felutils.TagsOf(tag)
	f.emit(Action, 0, "Writing %s (%d bytes)", name, len(data))
	if err := s.Write(0, data, tags, felutils.ModeFES, false, f.percent(name, len(data))); err != nil {
		return err
	}
	res, err := s.VerifyStatus(tags)
	if err != nil {
		return err
	}
	if res.Result != 0 {
		return fmt.Errorf("%s: device reported result %d: %w", name, res.Result, ErrVerifyFailed)
	}
	return nil
}

// percent reports Percent events whenever the integer percentage of total changes.
func (f *Suit) percent(name string, total int) felutils.Progress {
	last := -1
	return func(done int) {
		if total <= 0 {
			return
		}
		p := int(int64(done) * 100 / int64(total))
		if p != last {
			last = p
			f.emit(Percent, p, "%s", name)
		}
	}
}

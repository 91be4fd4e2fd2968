package felutils

import (
	"fmt"
	"strings"
)

// MaxChunk is the largest payload carried by a single framed exchange.
const MaxChunk = 65536

// SectorSize is the addressing granularity of physical and NAND storage in FES mode.
const SectorSize = 512

// USB envelope commands
const (
	USBRead  uint8 = 0x11
	USBWrite uint8 = 0x12
)

// FEL commands (boot ROM)
const (
	FELVerifyDevice uint16 = 0x001
	FELSwitchRole   uint16 = 0x002
	FELIsReady      uint16 = 0x003
	FELGetCmdSetVer uint16 = 0x004
	FELDisconnect   uint16 = 0x010
	FELDownload     uint16 = 0x101
	FELRun          uint16 = 0x102
	FELUpload       uint16 = 0x103
)

// FES commands (in-RAM loader)
const (
	FESTransmite      uint16 = 0x201
	FESRun            uint16 = 0x202
	FESInfo           uint16 = 0x203
	FESGetMsg         uint16 = 0x204
	FESUnregFED       uint16 = 0x205
	FESDownload       uint16 = 0x206
	FESUpload         uint16 = 0x207
	FESVerify         uint16 = 0x208
	FESQueryStorage   uint16 = 0x209
	FESFlashSetOn     uint16 = 0x20A
	FESFlashSetOff    uint16 = 0x20B
	FESVerifyValue    uint16 = 0x20C
	FESVerifyStatus   uint16 = 0x20D
	FESFlashSizeProbe uint16 = 0x20E
	FESToolMode       uint16 = 0x20F
	FESMemset         uint16 = 0x210
	FESPMU            uint16 = 0x211
	FESUnseqMemRead   uint16 = 0x212
	FESUnseqMemWrite  uint16 = 0x213
)

var commandNames = map[uint16]string{
	FELVerifyDevice:   "FEL_VERIFY_DEVICE",
	FELSwitchRole:     "FEL_SWITCH_ROLE",
	FELIsReady:        "FEL_IS_READY",
	FELGetCmdSetVer:   "FEL_GET_CMD_SET_VER",
	FELDisconnect:     "FEL_DISCONNECT",
	FELDownload:       "FEL_DOWNLOAD",
	FELRun:            "FEL_RUN",
	FELUpload:         "FEL_UPLOAD",
	FESTransmite:      "FES_TRANSMITE",
	FESRun:            "FES_RUN",
	FESInfo:           "FES_INFO",
	FESGetMsg:         "FES_GET_MSG",
	FESUnregFED:       "FES_UNREG_FED",
	FESDownload:       "FES_DOWNLOAD",
	FESUpload:         "FES_UPLOAD",
	FESVerify:         "FES_VERIFY",
	FESQueryStorage:   "FES_QUERY_STORAGE",
	FESFlashSetOn:     "FES_FLASH_SET_ON",
	FESFlashSetOff:    "FES_FLASH_SET_OFF",
	FESVerifyValue:    "FES_VERIFY_VALUE",
	FESVerifyStatus:   "FES_VERIFY_STATUS",
	FESFlashSizeProbe: "FES_FLASH_SIZE_PROBE",
	FESToolMode:       "FES_TOOL_MODE",
	FESMemset:         "FES_MEMSET",
	FESPMU:            "FES_PMU",
	FESUnseqMemRead:   "FES_UNSEQMEM_READ",
	FESUnseqMemWrite:  "FES_UNSEQMEM_WRITE",
}

// CommandName returns the protocol name of a FEL/FES command code.
func CommandName(cmd uint16) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return "UNKNOWN"
}

// Tag is a single device-side context value carried in a request's flags.
//
// Data tags (DRAM, MBR, U-Boot, ...) share the 0x7F00 prefix and are not independent bits;
// Flash, Finish and Start are real bits. Combining is always a bitwise OR.
type Tag uint32

const (
	TagNone            Tag = 0x0
	TagDataMask        Tag = 0x7FFF
	TagDRAMMask        Tag = 0x7F00
	TagDRAM            Tag = 0x7F00
	TagMBR             Tag = 0x7F01
	TagUBoot           Tag = 0x7F02
	TagBoot1           Tag = 0x7F02
	TagBoot0           Tag = 0x7F03
	TagErase           Tag = 0x7F04
	TagPMUSet          Tag = 0x7F05
	TagUnseqMemForRead Tag = 0x7F06
	TagUnseqMemWrite   Tag = 0x7F07
	TagFlash           Tag = 0x8000
	TagFinish          Tag = 0x10000
	TagStart           Tag = 0x20000
	TagControlMask     Tag = 0x30000
)

var tagNames = []struct {
	tag  Tag
	name string
}{
	{TagMBR, "mbr"},
	{TagUBoot, "uboot"},
	{TagBoot0, "boot0"},
	{TagErase, "erase"},
	{TagPMUSet, "pmu_set"},
	{TagUnseqMemForRead, "unseq_mem_for_read"},
	{TagUnseqMemWrite, "unseq_mem_for_write"},
	{TagDRAM, "dram"},
	{TagFlash, "flash"},
	{TagFinish, "finish"},
	{TagStart, "start"},
}

// Tags is a normalized set of tags as it appears on the wire.
type Tags uint32

// TagsOf ORs any number of tags into a set. A single tag is the singleton set.
func TagsOf(tags ...Tag) Tags {
	var t Tags
	for _, tag := range tags {
		t |= Tags(tag)
	}
	return t
}

// With returns the set extended with more tags.
func (t Tags) With(tags ...Tag) Tags {
	return t | TagsOf(tags...)
}

// Has reports whether every bit of tag is present in the set.
func (t Tags) Has(tag Tag) bool {
	return uint32(t)&uint32(tag) == uint32(tag)
}

// Data returns the data tag part of the set (the low 15 bits).
func (t Tags) Data() Tag {
	return Tag(t) & TagDataMask
}

// DRAM reports whether the set addresses memory bytewise, which is the case for any data
// tag sharing the DRAM prefix.
func (t Tags) DRAM() bool {
	return uint32(t)&uint32(TagDRAMMask) != 0
}

func (t Tags) String() string {
	if t == 0 {
		return "none"
	}
	var names []string
	if d := t.Data(); d != 0 {
		name := "data"
		for _, tn := range tagNames {
			if tn.tag == d {
				name = tn.name
				break
			}
		}
		names = append(names, name)
	}
	if t.Has(TagFlash) {
		names = append(names, "flash")
	}
	if t.Has(TagFinish) {
		names = append(names, "finish")
	}
	if t.Has(TagStart) {
		names = append(names, "start")
	}
	return strings.Join(names, "|")
}

// ParseTag resolves a tag by its protocol name.
func ParseTag(name string) (Tag, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "none":
		return TagNone, true
	case "boot1":
		return TagBoot1, true
	}
	for _, tn := range tagNames {
		if tn.name == name {
			return tn.tag, true
		}
	}
	return 0, false
}

// ParseTags resolves a list of tag names separated by commas or pipes, as printed by Tags.String.
func ParseTags(s string) (Tags, error) {
	var t Tags
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		tag, ok := ParseTag(name)
		if !ok {
			return 0, fmt.Errorf("unknown tag %q: %w", name, ErrInvalidArgument)
		}
		t = t.With(tag)
	}
	return t, nil
}

// Mode selects the protocol (and command set) an operation is issued in.
type Mode uint16

// Device modes as reported by FEL_VERIFY_DEVICE
const (
	ModeNull       Mode = 0x0
	ModeFEL        Mode = 0x1
	ModeFES        Mode = 0x2
	ModeUpdateCool Mode = 0x3
	ModeUpdateHot  Mode = 0x4
)

func (m Mode) String() string {
	switch m {
	case ModeNull:
		return "null"
	case ModeFEL:
		return "fel"
	case ModeFES:
		return "fes"
	case ModeUpdateCool:
		return "update_cool"
	case ModeUpdateHot:
		return "update_hot"
	}
	return "unknown"
}

// FES storage media index, used by FES_TRANSMITE and FES_UNREG_FED
const (
	MediaDRAM     uint8 = 0x0
	MediaPhysical uint8 = 0x1
	MediaLog      uint8 = 0x2
	MediaNAND     uint8 = 0x2
)

// FES_TRANSMITE direction flags
const (
	TransmiteWrite  uint8 = 0x10
	TransmiteRead   uint8 = 0x20
	TransmiteStart  uint8 = 0x40
	TransmiteFinish uint8 = 0x80
)

// RunFlags select the execution context of FES_RUN (max_para in boot 2.0).
type RunFlags uint32

const (
	RunNone     RunFlags = 0x00
	RunHasParam RunFlags = 0x04
	RunFET      RunFlags = 0x10
	RunGenCode  RunFlags = 0x20
	RunFED      RunFlags = 0x30
)

// WorkMode is the U-Boot work mode used by FES_TOOL_MODE and the product-mode flag.
type WorkMode uint32

const (
	WorkModeNormal         WorkMode = 0x00
	WorkModeUSBToolProduct WorkMode = 0x04
	WorkModeUSBToolUpdate  WorkMode = 0x08
	WorkModeUSBProduct     WorkMode = 0x10
	WorkModeCardProduct    WorkMode = 0x11
	WorkModeUSBDebug       WorkMode = 0x12
	WorkModeSpriteRecovery WorkMode = 0x13
	WorkModeCardUpdate     WorkMode = 0x14
	WorkModeUSBUpdate      WorkMode = 0x20
	WorkModeOuterUpdate    WorkMode = 0x21
)

// Action is the follow-up requested from FES_TOOL_MODE.
type Action uint32

const (
	ActionNone     Action = 0x0
	ActionNormal   Action = 0x1
	ActionReboot   Action = 0x2
	ActionShutdown Action = 0x3
	ActionReupdate Action = 0x4
	ActionBoot     Action = 0x5
)

// StorageType is the answer of FES_QUERY_STORAGE.
type StorageType uint32

const (
	StorageNAND   StorageType = 0
	StorageSDCard StorageType = 1
	StorageEMMC   StorageType = 2
	StorageSPINOR StorageType = 3
)

func (s StorageType) String() string {
	switch s {
	case StorageNAND:
		return "nand"
	case StorageSDCard:
		return "sdcard"
	case StorageEMMC:
		return "emmc"
	case StorageSPINOR:
		return "spinor"
	}
	return "unknown"
}

// VerifyDone is the flags value of a verify-status record once the device finished checking.
const VerifyDone uint32 = 0x6a617603

// BoardName decodes a board id reported by FEL_VERIFY_DEVICE.
func BoardName(id uint32) string {
	switch id >> 8 & 0xFFFF {
	case 0x1610:
		return "Allwinner A31s (sun6i)"
	case 0x1623:
		return "Allwinner A10 (sun4i)"
	case 0x1625:
		return "Allwinner A13/A10s (sun5i)"
	case 0x1633:
		return "Allwinner A31 (sun6i)"
	case 0x1639:
		return "Allwinner A80/A33 (sun9i)"
	case 0x1650:
		return "Allwinner A23 (sun7i)"
	case 0x1651:
		return "Allwinner A20 (sun7i)"
	}
	return "Unknown"
}

package macho

// Header magics.
const (
	Magic32  uint32 = 0xfeedface
	MagicFat uint32 = 0xcafebabe
)

// CPU types and ARM subtypes.
const (
	CPUTypeARM uint32 = 12

	CPUSubtypeARMAll uint32 = 0
	CPUSubtypeARMV4T uint32 = 5
	CPUSubtypeARMV6  uint32 = 6
	CPUSubtypeARMV7  uint32 = 9
	CPUSubtypeARMV7F uint32 = 10
	CPUSubtypeARMV7S uint32 = 11
	CPUSubtypeARMV7K uint32 = 12
)

// File types.
const (
	TypeExecute uint32 = 0x2
	TypeDylib   uint32 = 0x6
	TypeBundle  uint32 = 0x8
)

// Load commands.
const (
	LoadSegment        uint32 = 0x1
	LoadSymtab         uint32 = 0x2
	LoadUnixThread     uint32 = 0x5
	LoadDysymtab       uint32 = 0xb
	LoadDylib          uint32 = 0xc
	LoadIDDylib        uint32 = 0xd
	LoadEncryptionInfo uint32 = 0x21
	LoadDyldInfo       uint32 = 0x22
	LoadWeakDylib      uint32 = 0x80000018
	LoadDyldInfoOnly   uint32 = 0x80000022
	LoadMain           uint32 = 0x80000028
)

// On-disk structure sizes.
const (
	headerSize         = 28
	segmentCommandSize = 56
	sectionSize        = 68
	nlistSize          = 12
	relocSize          = 8

	threadStateARM      = 1
	threadStateARMCount = 17
)

// Memory protection bits of segments.
const (
	ProtRead  uint32 = 0x1
	ProtWrite uint32 = 0x2
	ProtExec  uint32 = 0x4
)

// Section types (the low byte of the section flags).
const (
	SectionTypeMask uint32 = 0xff

	SectionRegular         uint32 = 0x0
	SectionZeroFill        uint32 = 0x1
	SectionCStringLiterals uint32 = 0x2
	SectionLiteralPointers uint32 = 0x5
	SectionNonLazyPointers uint32 = 0x6
	SectionLazyPointers    uint32 = 0x7
	SectionSymbolStubs     uint32 = 0x8
	SectionModInitPointers uint32 = 0x9
	SectionModTermPointers uint32 = 0xa

	SectionAttrPureInstrs uint32 = 0x80000000
	SectionAttrSomeInstrs uint32 = 0x00000400
)

// Symbol type bits.
const (
	SymStab uint8 = 0xe0
	SymPExt uint8 = 0x10
	SymType uint8 = 0x0e
	SymExt  uint8 = 0x01

	SymUndef uint8 = 0x0
	SymAbs   uint8 = 0x2
	SymIndr  uint8 = 0xa
	SymSect  uint8 = 0xe
)

// Symbol description bits.
const (
	DescARMThumbDef uint16 = 0x8
	DescWeakRef     uint16 = 0x40
	DescWeakDef     uint16 = 0x80
)

// Two-level namespace library ordinals.
const (
	OrdinalSelf       = 0
	OrdinalDynamic    = 0xfe
	OrdinalExecutable = 0xff
)

// Indirect symbol table specials.
const (
	IndirectLocal uint32 = 0x80000000
	IndirectAbs   uint32 = 0x40000000
)

// ARM relocation types.
const (
	RelocVanilla       uint8 = 0
	RelocPair          uint8 = 1
	RelocSectDiff      uint8 = 2
	RelocLocalSectDiff uint8 = 3
	RelocPBLaPtr       uint8 = 4
	RelocBR24          uint8 = 5
)

const relocScattered = 0x80000000

// BindTypePointer is the only bind type used by 32-bit ARM images.
const BindTypePointer uint8 = 1

// dyld bind opcodes.
const (
	bindOpcodeMask    = 0xf0
	bindImmediateMask = 0x0f

	bindDone                    = 0x00
	bindSetDylibOrdinalImm      = 0x10
	bindSetDylibOrdinalULEB     = 0x20
	bindSetDylibSpecialImm      = 0x30
	bindSetSymbolTrailingFlags  = 0x40
	bindSetTypeImm              = 0x50
	bindSetAddendSLEB           = 0x60
	bindSetSegmentAndOffsetULEB = 0x70
	bindAddAddrULEB             = 0x80
	bindDoBind                  = 0x90
	bindDoBindAddAddrULEB       = 0xa0
	bindDoBindAddAddrImmScaled  = 0xb0
	bindDoBindULEBTimesSkipULEB = 0xc0

	bindSymbolFlagsWeakImport = 0x1
)

// dyld rebase opcodes.
const (
	rebaseDone                    = 0x00
	rebaseSetTypeImm              = 0x10
	rebaseSetSegmentAndOffsetULEB = 0x20
	rebaseAddAddrULEB             = 0x30
	rebaseAddAddrImmScaled        = 0x40
	rebaseDoImmTimes              = 0x50
	rebaseDoULEBTimes             = 0x60
	rebaseDoAddAddrULEB           = 0x70
	rebaseDoULEBTimesSkipULEB     = 0x80
)

const pointerSize = 4

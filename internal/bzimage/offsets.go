package bzimage

const (
	sectorSize = 512

	setupHeaderOffset = 0x1f1

	setupSectsOffset      = setupHeaderOffset
	rootFlagsOffset       = setupHeaderOffset + 1
	sysSizeOffset         = setupHeaderOffset + 3
	vidModeOffset         = setupHeaderOffset + 9
	bootFlagOffset        = setupHeaderOffset + 13
	jumpOffset            = setupHeaderOffset + 15
	headerMagicOffset     = setupHeaderOffset + 17
	protocolVersionOffset = setupHeaderOffset + 21
	startSysSegOffset     = setupHeaderOffset + 27
	kernelVersionOffset   = setupHeaderOffset + 29
	typeOfLoaderOffset    = setupHeaderOffset + 31
	loadFlagsOffset       = setupHeaderOffset + 32
	setupMoveSizeOffset   = setupHeaderOffset + 33
	code32StartOffset     = setupHeaderOffset + 35
	heapEndPtrOffset      = setupHeaderOffset + 51
	cmdLinePtrOffset      = setupHeaderOffset + 55
	initrdAddrMaxOffset   = setupHeaderOffset + 59
	kernelAlignmentOffset = setupHeaderOffset + 63
	cmdlineSizeOffset     = setupHeaderOffset + 71
	headerEnd             = setupHeaderOffset + 75

	// The setup code is entered at segment offset 0 (file offset 0x200) and
	// addresses the header relative to that.
	setupStart = jumpOffset

	// boot_params fields outside the setup header, filled in by the setup code.
	paramAltMemK = 0x1e0
	paramLowMemK = 0x1e4
)

//go:build linux

package backend

// io_uring opcodes, setup/enter flags and mmap offsets, taken from the
// kernel's uapi/linux/io_uring.h. golang.org/x/sys/unix does not expose
// these (they postdate the package's last io_uring addition), so the
// ring backend carries its own copy, the way the teacher's
// transport_linux_uring.go did, but with the real offsets returned by
// io_uring_setup instead of hardcoded ring sizes.
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427

	ioringOffSQRing = 0x0
	ioringOffCQRing = 0x8000000
	ioringOffSQEs   = 0x10000000

	ioringSetupSQPOLL = 1 << 1
	ioringSetupSQAff  = 1 << 2
	ioringSetupCQSize = 1 << 3

	ioringFeatSingleMmap = 1 << 0

	ioringEnterGetEvents = 1 << 0

	ioringOpNop         = 0
	ioringOpReadv       = 1
	ioringOpWritev      = 2
	ioringOpReadFixed   = 4
	ioringOpWriteFixed  = 5
	ioringOpConnect     = 16
	ioringOpAccept      = 13
	ioringOpClose       = 19
	ioringOpRead        = 22
	ioringOpWrite       = 23
	ioringOpSend        = 26
	ioringOpRecv        = 27
	ioringOpProvideBufs = 31
	ioringOpSendZC      = 47

	ioringCqeFBuffer       = 1 << 0
	ioringCqeFMore         = 1 << 1
	ioringCqeFNotification = 1 << 3

	sqeFixedFile = 1 << 0

	sqeSize = 64
	cqeSize = 16

	// EOFResult is the sentinel a reactor receive completion carries when
	// the peer closed the connection (spec §9 Open Question: kept as the
	// original -1 convention rather than reusing a negative errno). The
	// ring backend passes the kernel's own result through, so a peer
	// close arrives there as a receive result of 0.
	EOFResult int32 = -1
)

// sqringOffsets mirrors struct io_sqring_offsets.
type sqringOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array, resv1 uint32
	resv2                                                           uint64
}

// cqringOffsets mirrors struct io_cqring_offsets.
type cqringOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes, flags, resv1 uint32
	resv2                                                           uint64
}

// uringParams mirrors struct io_uring_params passed to io_uring_setup.
type uringParams struct {
	sqEntries, cqEntries, flags, sqThreadCPU, sqThreadIdle, features, wqFD uint32
	resv                                                                   [3]uint32
	sqOff                                                                  sqringOffsets
	cqOff                                                                  cqringOffsets
}

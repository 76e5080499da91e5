//go:build linux && (mips || mipsle || mips64 || mips64le)

package hook

// FIONBIO is the ioctl(2) request that sets or clears non-blocking mode.
const FIONBIO = 0x667e

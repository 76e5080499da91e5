//go:build linux && !(mips || mipsle || mips64 || mips64le || ppc64 || ppc64le || sparc64)

package hook

// FIONBIO is the ioctl(2) request that sets or clears non-blocking mode.
// golang.org/x/sys/unix does not export it for linux.
const FIONBIO = 0x5421

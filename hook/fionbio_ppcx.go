//go:build linux && (ppc64 || ppc64le || sparc64)

package hook

// FIONBIO is the ioctl(2) request that sets or clears non-blocking mode.
const FIONBIO = 0x8004667e

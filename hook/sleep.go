//go:build linux

package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/fiber"
)

// Sleep is sleep(3). It always sleeps the full duration and returns 0.
func Sleep(seconds uint) uint {
	sleepFor(time.Duration(seconds) * time.Second)
	return 0
}

// Usleep is usleep(3).
func Usleep(usec uint) error {
	sleepFor(time.Duration(usec) * time.Microsecond)
	return nil
}

// Nanosleep is nanosleep(2). A hooked sleep is never interrupted, so rem,
// if given, is always zeroed.
func Nanosleep(req, rem *unix.Timespec) error {
	if !Enabled() || fiber.CurrentIOManager() == nil {
		return sys.nanosleep(req, rem)
	}
	if req == nil || req.Sec < 0 || req.Nsec < 0 || req.Nsec >= 1e9 {
		return unix.EINVAL
	}
	sleepFor(time.Duration(req.Nano()))
	if rem != nil {
		*rem = unix.Timespec{}
	}
	return nil
}

// sleepFor parks the calling fiber on a timer, leaving its thread free to
// run other work.
func sleepFor(d time.Duration) {
	iom := fiber.CurrentIOManager()
	if !Enabled() || iom == nil {
		sys.sleep(d)
		return
	}
	f := fiber.GetThis()
	iom.AddTimer(d, func() { iom.Schedule(f, fiber.AnyThread) }, false)
	fiber.YieldToHold()
}

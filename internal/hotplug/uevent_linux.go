//go:build linux

package hotplug

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rjboer/labscope/internal/logging"
)

// Run listens on the kernel uevent netlink group.
func (u *UEvent) Run(ctx context.Context, out chan<- Event) error {
	log := u.logger()
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("uevent socket: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1, Pid: 0}); err != nil {
		return fmt.Errorf("uevent bind: %w", err)
	}
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("uevent timeout: %w", err)
	}

	for _, ev := range u.scan() {
		if !send(ctx, out, ev) {
			return nil
		}
	}
	log.Info("watching usb uevents")

	buf := make([]byte, 64*1024)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("uevent receive: %w", err)
		}
		env, ok := parseUEvent(buf[:n])
		if !ok {
			continue
		}
		if ev, ok := u.handle(env); ok {
			log.Debug("usb instrument", logging.Field{Key: "action", Value: ev.Action}, logging.Field{Key: "vendor", Value: ev.Vendor}, logging.Field{Key: "serial", Value: ev.ID.Serial})
			if !send(ctx, out, ev) {
				return nil
			}
		}
	}
	return nil
}

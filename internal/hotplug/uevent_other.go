//go:build !linux

package hotplug

import "context"

// Run reports the instruments present at start; live uevents need Linux.
func (u *UEvent) Run(ctx context.Context, out chan<- Event) error {
	for _, ev := range u.scan() {
		if !send(ctx, out, ev) {
			return nil
		}
	}
	u.logger().Warn("usb hotplug needs linux netlink; only the startup scan ran")
	<-ctx.Done()
	return nil
}

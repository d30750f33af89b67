//go:build linux

package volume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pilebones/go-udev/netlink"

	"offload/internal/logging"
)

// NetlinkWaker wakes the monitor on block-device uevents.
type NetlinkWaker struct {
	logger *slog.Logger
}

// NewNetlinkWaker returns a udev netlink wake source.
func NewNetlinkWaker(logger *slog.Logger) WakeSource {
	return &NetlinkWaker{logger: logging.NewComponentLogger(logger, "netlink")}
}

// Name identifies the source in logs.
func (w *NetlinkWaker) Name() string { return "netlink" }

// Run listens until ctx is done.
func (w *NetlinkWaker) Run(ctx context.Context, wake func()) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("connect netlink: %w", err)
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, blockMatcher())
	defer close(quit)

	for {
		select {
		case <-ctx.Done():
			return nil
		case uevent := <-queue:
			w.logger.Debug("block device event",
				logging.String("action", string(uevent.Action)),
				logging.String("device", uevent.Env["DEVNAME"]),
			)
			wake()
		case err := <-errs:
			w.logger.Debug("netlink monitor error", logging.Error(err))
		}
	}
}

// blockMatcher matches partition add, change and remove events.
func blockMatcher() netlink.Matcher {
	action := "add|change|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"DEVTYPE":   "partition|disk",
		},
	})
	return rules
}

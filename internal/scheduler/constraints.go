package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

var ErrNoNetwork = errors.New("no network interface is up")

// NetworkConnected is met when a non-loopback interface is up and has an
// address.
func NetworkConnected() Constraint {
	return func(ctx context.Context) error {
		interfaces, err := net.InterfacesWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to list network interfaces: %w", err)
		}

		for _, iface := range interfaces {
			if slices.Contains(iface.Flags, "up") && !slices.Contains(iface.Flags, "loopback") && len(iface.Addrs) > 0 {
				return nil
			}
		}

		return ErrNoNetwork
	}
}

// StorageNotLow is met when the volume of dir has at least minFree bytes free.
func StorageNotLow(dir string, minFree uint64) Constraint {
	return func(ctx context.Context) error {
		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to check disk space: %w", err)
		}

		if usage.Free < minFree {
			return fmt.Errorf("storage low: %s free, %s required", humanize.Bytes(usage.Free), humanize.Bytes(minFree))
		}

		return nil
	}
}

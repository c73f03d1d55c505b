// ABOUTME: Host metrics sampling for the development agent via gopsutil
// ABOUTME: Fills the SINFO and STATIC payload shapes the hub stores

package main

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/2389/agent-hub/internal/protocol"
)

// collector samples the local host. Network counters are reported as the
// delta since the previous sample.
type collector struct {
	uuid    string
	alias   string
	lastIn  uint64
	lastOut uint64
}

func (c *collector) systemInfo(ctx context.Context) protocol.SystemInfoPayload {
	p := protocol.SystemInfoPayload{UUID: c.uuid}

	if pct, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false); err == nil && len(pct) > 0 {
		p.CPU.Usage = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.Memory.Used = vm.Used
		p.Memory.Total = vm.Total
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		p.Swap.Used = sw.Used
		p.Swap.Total = sw.Total
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		p.Disk.Used = du.Used
		p.Disk.Total = du.Total
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		p.Uptime = float64(hi.Uptime)
	}
	if io, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		if c.lastIn > 0 || c.lastOut > 0 {
			p.NetworkTraffic.In = counterDelta(io[0].BytesRecv, c.lastIn)
			p.NetworkTraffic.Out = counterDelta(io[0].BytesSent, c.lastOut)
		}
		c.lastIn, c.lastOut = io[0].BytesRecv, io[0].BytesSent
	}
	if tcp, err := gnet.ConnectionsWithContext(ctx, "tcp"); err == nil {
		p.Network.TCP = len(tcp)
	}
	if udp, err := gnet.ConnectionsWithContext(ctx, "udp"); err == nil {
		p.Network.UDP = len(udp)
	}
	return p
}

func (c *collector) staticInfo(ctx context.Context) protocol.StaticInfoPayload {
	p := protocol.StaticInfoPayload{UUID: c.uuid, Alias: c.alias, UpdateAt: time.Now().Unix()}

	p.CPU.Cores = runtime.NumCPU()
	p.CPU.Model = "unknown"
	if info, err := cpu.InfoWithContext(ctx); err == nil && len(info) > 0 {
		p.CPU.Model = info[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.Memory.Total = vm.Total
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		p.Swap.Total = sw.Total
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		p.Disk.Total = du.Total
	}
	return p
}

// counterDelta is the growth of a byte counter since the last sample. A
// counter that went backwards (interface reset) reports zero.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

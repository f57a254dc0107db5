/*
Copyright 2024 Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry implements the host telemetry channel of §4.8: a
// cadence-based probe that runs a small shell command over the same SSH
// connection the terminal uses, parses load, memory, disk, uptime and host
// figures out of it, and emits telemetry.sample (or telemetry.error, with
// capped backoff) frames on the transport hub. CPU usage and network rates
// are not measured: CPUPct, NetUpBps and NetDownBps are always sent as zero.
package telemetry

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/browserssh/gateway"
	"github.com/browserssh/gateway/lib/frame"
	"github.com/browserssh/gateway/lib/transporthub"
)

// probeCommand prints a newline-delimited set of figures a POSIX shell can
// produce without any special tooling: load from /proc/loadavg, memory
// from /proc/meminfo, disk usage via `df`, hostname/uname, and uptime from
// /proc/uptime.
const probeCommand = `cat /proc/loadavg; echo '---'; cat /proc/meminfo; echo '---'; df -k / | tail -1; echo '---'; uname -s -m; hostname; cat /proc/uptime`

// Collector runs the telemetry probe loop for one Session.
type Collector struct {
	sshClient *ssh.Client
	hub       *transporthub.Hub
	interval  time.Duration
	clock     clockwork.Clock

	log log.FieldLogger
}

// New constructs a Collector. interval defaults to
// gateway.DefaultTelemetryInterval when zero; clock defaults to the real
// clock (tests inject a clockwork.FakeClock).
func New(sshClient *ssh.Client, hub *transporthub.Hub, interval time.Duration, clock clockwork.Clock) *Collector {
	if interval <= 0 {
		interval = gateway.DefaultTelemetryInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		sshClient: sshClient,
		hub:       hub,
		interval:  interval,
		clock:     clock,
		log:       log.WithField(trace.Component, gateway.ComponentTelemetry),
	}
}

// backoffSteps is the capped retry ladder on consecutive probe failures
// (§4.8): 1s, 2s, 5s, then holds at 5s.
var backoffSteps = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

// Run samples on Collector's interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	failures := 0
	for {
		sample, err := c.probe(ctx)
		if err != nil {
			c.sendError(err)
			failures++
			c.log.WithError(err).Warn("telemetry probe failed")
		} else {
			c.sendSample(sample)
			failures = 0
		}

		wait := c.interval
		if failures > 0 {
			wait = backoffSteps[min(failures-1, len(backoffSteps)-1)]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

func (c *Collector) probe(ctx context.Context) (frame.TelemetrySampleBody, error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return frame.TelemetrySampleBody{}, trace.Wrap(err)
	}
	defer session.Close()

	doneCh := make(chan struct {
		out []byte
		err error
	}, 1)
	go func() {
		out, err := session.CombinedOutput(probeCommand)
		doneCh <- struct {
			out []byte
			err error
		}{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return frame.TelemetrySampleBody{}, ctx.Err()
	case res := <-doneCh:
		if res.err != nil {
			return frame.TelemetrySampleBody{}, trace.Wrap(res.err, "telemetry probe command failed")
		}
		return parseProbeOutput(res.out)
	}
}

func parseProbeOutput(out []byte) (frame.TelemetrySampleBody, error) {
	sections := strings.Split(string(out), "---\n")
	if len(sections) < 4 {
		return frame.TelemetrySampleBody{}, trace.BadParameter("unexpected telemetry probe output: %d sections", len(sections))
	}

	var sample frame.TelemetrySampleBody
	sample.Type = frame.TextTelemetrySample

	if fields := strings.Fields(sections[0]); len(fields) >= 3 {
		sample.LoadAvg[0], _ = strconv.ParseFloat(fields[0], 64)
		sample.LoadAvg[1], _ = strconv.ParseFloat(fields[1], 64)
		sample.LoadAvg[2], _ = strconv.ParseFloat(fields[2], 64)
	}

	memTotal, memAvail := parseMeminfo(sections[1])
	sample.MemTotal = memTotal
	if memAvail <= memTotal {
		sample.MemUsed = memTotal - memAvail
	}

	if fields := strings.Fields(sections[2]); len(fields) >= 4 {
		totalKB, _ := strconv.ParseUint(fields[1], 10, 64)
		usedKB, _ := strconv.ParseUint(fields[2], 10, 64)
		sample.DiskTotal = totalKB * 1024
		sample.DiskUsed = usedKB * 1024
	}

	lines := strings.Split(strings.TrimSpace(sections[3]), "\n")
	if len(lines) >= 3 {
		sample.HostInfo.OS, sample.HostInfo.Arch = splitUname(lines[0])
		sample.HostInfo.Hostname = strings.TrimSpace(lines[1])
		if fields := strings.Fields(lines[2]); len(fields) >= 1 {
			if uptime, err := strconv.ParseFloat(fields[0], 64); err == nil {
				sample.UptimeSec = uint64(uptime)
			}
		}
	}

	return sample, nil
}

func parseMeminfo(section string) (totalBytes, availBytes uint64) {
	scanner := bufio.NewScanner(strings.NewReader(section))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalBytes = parseMeminfoLineKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availBytes = parseMeminfoLineKB(line)
		}
	}
	return totalBytes, availBytes
}

func parseMeminfoLineKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

func splitUname(line string) (os, arch string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", ""
	}
	return fields[0], fields[1]
}

func (c *Collector) sendSample(sample frame.TelemetrySampleBody) {
	data, err := frame.EncodeText(frame.TextTelemetrySample, sample)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode telemetry sample")
		return
	}
	if err := c.hub.SendText(transporthub.PriorityTelemetry, data); err != nil {
		c.log.WithError(err).Debug("failed to send telemetry sample; hub likely closed")
	}
	c.log.Debugf("sampled host: mem used %s / %s, disk used %s / %s",
		humanize.Bytes(sample.MemUsed), humanize.Bytes(sample.MemTotal),
		humanize.Bytes(sample.DiskUsed), humanize.Bytes(sample.DiskTotal))
}

func (c *Collector) sendError(probeErr error) {
	data, err := frame.EncodeText(frame.TextTelemetryError, frame.TelemetryErrorBody{
		Type: frame.TextTelemetryError, Reason: probeErr.Error(),
	})
	if err != nil {
		return
	}
	c.hub.SendText(transporthub.PriorityTelemetry, data)
}

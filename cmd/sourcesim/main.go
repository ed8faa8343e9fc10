// Command sourcesim stands in for the real transcoder binary during manual
// end-to-end testing. The Process Supervisor spawns it with the same
// ffmpeg-style argument list it would pass to a real transcoder, ending in
// the destination "tcp://127.0.0.1:{port}" the broker is listening on;
// sourcesim ignores every flag that precedes that final argument, dials the
// destination, and writes a synthetic MPEG-TS-shaped byte stream at a
// configurable rate. CAMFLOW_SOURCESIM_* environment variables, rather than
// flags, drive the simulated failure modes, since the positional argument
// list is fixed by the Supervisor's invocation and cannot carry sourcesim's
// own flags.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	mpegtsPacketSize = 188
	mpegtsSyncByte   = 0x47
)

func main() {
	dest := destinationArg(os.Args[1:])
	if dest == "" {
		fmt.Fprintln(os.Stderr, "sourcesim: no tcp:// destination argument found")
		os.Exit(2)
	}

	rate := envDuration("CAMFLOW_SOURCESIM_PACKET_INTERVAL", 20*time.Millisecond)
	crashAfter := envDuration("CAMFLOW_SOURCESIM_CRASH_AFTER", 0)
	stderrError := strings.TrimSpace(os.Getenv("CAMFLOW_SOURCESIM_STDERR_ERROR"))

	conn, err := net.Dial("tcp", strings.TrimPrefix(dest, "tcp://"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sourcesim: dial %s: %v\n", dest, err)
		os.Exit(1)
	}
	defer conn.Close()

	deadline := time.Time{}
	if crashAfter > 0 {
		deadline = time.Now().Add(crashAfter)
	}

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	var sequence byte
	for range ticker.C {
		if !deadline.IsZero() && time.Now().After(deadline) {
			if stderrError != "" {
				fmt.Fprintln(os.Stderr, stderrError)
			}
			os.Exit(1)
		}

		packet := syntheticPacket(sequence)
		sequence++
		if _, err := conn.Write(packet); err != nil {
			fmt.Fprintf(os.Stderr, "sourcesim: write: %v\n", err)
			os.Exit(1)
		}
	}
}

// destinationArg returns the last "tcp://host:port" argument, mirroring how
// Supervisor.Spawn appends the destination as the final ffmpeg argument.
func destinationArg(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		if strings.HasPrefix(args[i], "tcp://") {
			return args[i]
		}
	}
	return ""
}

// syntheticPacket builds an MPEG-TS-shaped packet: sync byte, a payload-unit
// start bit, a rolling continuity counter in the low nibble of the third
// header byte, and filler payload.
func syntheticPacket(sequence byte) []byte {
	packet := make([]byte, mpegtsPacketSize)
	packet[0] = mpegtsSyncByte
	packet[1] = 0x40
	packet[2] = 0x11
	packet[3] = 0x10 | (sequence & 0x0F)
	for i := 4; i < mpegtsPacketSize; i++ {
		packet[i] = sequence
	}
	return packet
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return fallback
}

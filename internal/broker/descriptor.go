package broker

import (
	"fmt"
	"strings"
	"time"
)

// StreamType mirrors the three channel stream families a camera exposes.
type StreamType int

const (
	StreamMain    StreamType = 1
	StreamSub     StreamType = 2
	StreamTertiary StreamType = 3
)

// String renders the stream type as the "kind" label used by metrics and
// audit events ("main", "sub", "tertiary"; "unknown" for any other value).
func (t StreamType) String() string {
	switch t {
	case StreamMain:
		return "main"
	case StreamSub:
		return "sub"
	case StreamTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// SourceDescriptor is the immutable input to Start. The caller-chosen
// CallerSourceID is opaque to the broker; it and the Username/Password
// credentials are excluded from the channel fingerprint, and the remaining
// fields participate in it.
type SourceDescriptor struct {
	CallerSourceID string
	Host           string
	Port           int
	ChannelNo      int
	StreamType     StreamType
	Username       string
	Password       string
	Width          int
	Height         int
	StartTime      *time.Time
	EndTime        *time.Time
}

// ChannelKey is the canonical, printable, URL-safe encoding of a source
// descriptor's fingerprint. Credentials never participate in the key.
type ChannelKey string

const timeKeyLayout = "20060102150405"

// Fingerprint computes the ChannelKey for a descriptor. Two descriptors that
// differ only in Username/Password collide by design (see DESIGN.md).
func Fingerprint(d SourceDescriptor) ChannelKey {
	var b strings.Builder
	fmt.Fprintf(&b, "%s_%d_%d_%d_%d_%d",
		strings.ToLower(strings.TrimSpace(d.Host)),
		d.Port, d.ChannelNo, int(d.StreamType), d.Width, d.Height)
	if d.StartTime != nil {
		fmt.Fprintf(&b, "_%s", d.StartTime.UTC().Format(timeKeyLayout))
		if d.EndTime != nil {
			fmt.Fprintf(&b, "_%s", d.EndTime.UTC().Format(timeKeyLayout))
		}
	}
	return ChannelKey(b.String())
}

func (d SourceDescriptor) validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return newError(CodeInvalidConfiguration, "host is required", nil)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return newError(CodeInvalidConfiguration, "port must be between 1 and 65535", nil)
	}
	if d.ChannelNo <= 0 {
		return newError(CodeInvalidConfiguration, "channel_no must be positive", nil)
	}
	switch d.StreamType {
	case StreamMain, StreamSub, StreamTertiary:
	default:
		return newError(CodeInvalidConfiguration, "stream_type must be 1, 2, or 3", nil)
	}
	if d.EndTime != nil && d.StartTime == nil {
		return newError(CodeInvalidConfiguration, "end_time requires start_time", nil)
	}
	return nil
}

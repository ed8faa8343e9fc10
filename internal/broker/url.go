package broker

import (
	"fmt"
	"time"
)

// BuildSourceURL derives the transcoder input URL from a source descriptor.
// It is a pure function: the same descriptor always yields the same URL.
func BuildSourceURL(d SourceDescriptor) (string, error) {
	if err := d.validate(); err != nil {
		return "", err
	}
	if d.StartTime != nil {
		return buildPlaybackURL(d), nil
	}
	return buildLiveURL(d), nil
}

func buildLiveURL(d SourceDescriptor) string {
	if d.ChannelNo >= 33 {
		return fmt.Sprintf("rtsp://%s:%s@%s:%d/h265/ch%d/main/av_stream",
			d.Username, d.Password, d.Host, d.Port, d.ChannelNo)
	}
	return fmt.Sprintf("rtsp://%s:%s@%s:%d/Streaming/Channels/%d0%d",
		d.Username, d.Password, d.Host, d.Port, d.ChannelNo, d.StreamType)
}

func buildPlaybackURL(d SourceDescriptor) string {
	cn := d.ChannelNo
	if cn >= 33 {
		cn = cn - 33 + 1
	}
	url := fmt.Sprintf("rtsp://%s:%s@%s:%d/Streaming/tracks/%d0%d?starttime=%s",
		d.Username, d.Password, d.Host, d.Port, cn, d.StreamType, formatTrackTime(*d.StartTime))
	if d.EndTime != nil {
		url += fmt.Sprintf("&endtime=%s", formatTrackTime(*d.EndTime))
	}
	return url
}

// formatTrackTime renders the lowercase "t"/"z" playback timestamp form the
// transcoder's track query string expects, e.g. 20240102t030405z.
func formatTrackTime(t time.Time) string {
	return t.UTC().Format("20060102") + "t" + t.UTC().Format("150405") + "z"
}

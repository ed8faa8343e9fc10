package httpapi

import (
	"time"

	"camflow-broker/internal/broker"
)

// startRequest is the JSON body accepted by POST /v1/streams.
type startRequest struct {
	CallerSourceID string     `json:"caller_source_id"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	ChannelNo      int        `json:"channel_no"`
	StreamType     int        `json:"stream_type"`
	Username       string     `json:"username,omitempty"`
	Password       string     `json:"password,omitempty"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

func (req startRequest) toDescriptor() broker.SourceDescriptor {
	return broker.SourceDescriptor{
		CallerSourceID: req.CallerSourceID,
		Host:           req.Host,
		Port:           req.Port,
		ChannelNo:      req.ChannelNo,
		StreamType:     broker.StreamType(req.StreamType),
		Username:       req.Username,
		Password:       req.Password,
		Width:          req.Width,
		Height:         req.Height,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
	}
}

// startResponse is returned by POST /v1/streams.
type startResponse struct {
	ChannelKey   string `json:"channel_key"`
	EndpointHint string `json:"endpoint_hint"`
	LocalPort    int    `json:"local_port"`
	Reused       bool   `json:"reused"`
}

func newStartResponse(result broker.StartResult) startResponse {
	return startResponse{
		ChannelKey:   string(result.ChannelKey),
		EndpointHint: result.EndpointHint,
		LocalPort:    result.LocalPort,
		Reused:       result.Reused,
	}
}

// channelResponse is the JSON rendering of a broker.ChannelSnapshot.
type channelResponse struct {
	ChannelKey        string    `json:"channel_key"`
	Port              int       `json:"port"`
	Status            string    `json:"status"`
	SubscriberCount   int       `json:"subscriber_count"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessAt      time.Time `json:"last_access_at"`
	LastError         string    `json:"last_error,omitempty"`
	ProducerConnected bool      `json:"producer_connected"`
}

func newChannelResponse(snap broker.ChannelSnapshot) channelResponse {
	return channelResponse{
		ChannelKey:        string(snap.Key),
		Port:              snap.Port,
		Status:            snap.Status.String(),
		SubscriberCount:   snap.SubscriberCount,
		CreatedAt:         snap.CreatedAt,
		LastAccessAt:      snap.LastAccessAt,
		LastError:         snap.LastError,
		ProducerConnected: snap.ProducerConnected,
	}
}

// hostStatsResponse is the JSON rendering of a broker.HostStats sample.
type hostStatsResponse struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// errorResponse is the JSON error body returned on failed requests.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

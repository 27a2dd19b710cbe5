package statsapi

import (
	"errors"
	"fmt"
)

// ErrUnavailable is wrapped by every error that means the stats source
// could not be read: transport failures, non-200 replies, undecodable
// bodies and breaker rejections.
var ErrUnavailable = errors.New("statsapi: stats source unavailable")

// StatusError is returned for a non-200 reply.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("statsapi: %s: status %d: %s", e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// Connection is one live connection as reported by /connections. Upload
// and Download are cumulative for the connection's lifetime.
type Connection struct {
	ID       string   `json:"id"`
	Upload   int64    `json:"upload"`
	Download int64    `json:"download"`
	Metadata Metadata `json:"metadata"`
	Chains   []string `json:"chains"`
}

type Metadata struct {
	Network     string `json:"network"`
	Type        string `json:"type"`
	SourceIP    string `json:"sourceIP"`
	Host        string `json:"host"`
	User        string `json:"user"`
	InboundTag  string `json:"inboundTag"`
	Destination string `json:"destinationIP"`
}

// Egress returns the outbound that carried the connection, the last
// element of its chain.
func (c *Connection) Egress() string {
	if len(c.Chains) == 0 {
		return ""
	}
	return c.Chains[len(c.Chains)-1]
}

type ConnectionsSnapshot struct {
	Connections   []Connection `json:"connections"`
	UploadTotal   int64        `json:"uploadTotal"`
	DownloadTotal int64        `json:"downloadTotal"`
}

type Memory struct {
	InUse   int64 `json:"inuse"`
	OSLimit int64 `json:"oslimit"`
}

type Proxy struct {
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Alive   bool          `json:"alive"`
	History []DelayRecord `json:"history"`
}

// LastDelay returns the most recent recorded delay, or 0 without history.
func (p *Proxy) LastDelay() int {
	if len(p.History) == 0 {
		return 0
	}
	return p.History[len(p.History)-1].Delay
}

type DelayRecord struct {
	Time  string `json:"time"`
	Delay int    `json:"delay"`
}

// Summary is the daemon overview used by the dashboard.
type Summary struct {
	Running       bool  `json:"running"`
	Connections   int   `json:"connections"`
	UploadTotal   int64 `json:"upload_total"`
	DownloadTotal int64 `json:"download_total"`
	Memory        int64 `json:"memory"`
}

package model

import (
	"net"
	"strconv"
	"time"
)

// Protocol identifies which file-serving protocol a server speaks.
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
	ProtocolNAS  Protocol = "nas" // SMB share
	ProtocolNFS  Protocol = "nfs"
	ProtocolS3   Protocol = "s3"
	ProtocolHTTP Protocol = "http"
)

// Known reports whether p is one of the protocols this control plane
// understands. Discovery still lists servers with unknown protocol
// labels; they just cannot be created through the API.
func (p Protocol) Known() bool {
	switch p {
	case ProtocolFTP, ProtocolSFTP, ProtocolNAS, ProtocolNFS, ProtocolS3, ProtocolHTTP:
		return true
	}
	return false
}

// ManagedBy records which actor owns a server's resources.
type ManagedBy string

const (
	// ManagedByTemplate marks servers stood up by the static deployment
	// templates. They can be inspected but never mutated through the API.
	ManagedByTemplate ManagedBy = "platform-template"
	// ManagedByControlPlane marks servers created at runtime through the
	// management API.
	ManagedByControlPlane ManagedBy = "control-plane"
)

// ServerDescriptor is one observed server instance. Descriptors are
// produced fresh every discovery cycle and never mutated in place.
type ServerDescriptor struct {
	Name           string    `json:"name"`
	Protocol       Protocol  `json:"protocol"`
	PodName        string    `json:"podName,omitempty"`
	ServiceName    string    `json:"serviceName"`
	ClusterAddress string    `json:"clusterAddress"`
	Port           int       `json:"port"`
	ExternalPort   int       `json:"externalPort,omitempty"`
	PodPhase       string    `json:"podPhase,omitempty"`
	PodReady       bool      `json:"podReady"`
	IsDynamic      bool      `json:"isDynamic"`
	ManagedBy      ManagedBy `json:"managedBy"`
	Directory      string    `json:"directory,omitempty"`
	DiscoveredAt   time.Time `json:"discoveredAt"`
}

// Endpoint returns the in-cluster dial address for the server.
func (d ServerDescriptor) Endpoint() string {
	if d.ClusterAddress == "" || d.Port == 0 {
		return ""
	}
	return net.JoinHostPort(d.ClusterAddress, strconv.Itoa(d.Port))
}

// ServerStatus is a descriptor enriched with the result of the most
// recent connectivity probe. Replaced wholesale each health tick.
type ServerStatus struct {
	ServerDescriptor
	IsHealthy     bool      `json:"isHealthy"`
	HealthMessage string    `json:"healthMessage,omitempty"`
	LatencyMs     int64     `json:"latencyMs,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// ServerStatusUpdate is the envelope pushed to realtime subscribers
// after every completed health cycle.
type ServerStatusUpdate struct {
	Servers        []ServerStatus `json:"servers"`
	Timestamp      time.Time      `json:"timestamp"`
	TotalServers   int            `json:"totalServers"`
	HealthyServers int            `json:"healthyServers"`
}

// NewStatusUpdate builds the envelope, counting healthy entries.
func NewStatusUpdate(servers []ServerStatus) ServerStatusUpdate {
	healthy := 0
	for _, s := range servers {
		if s.IsHealthy {
			healthy++
		}
	}
	return ServerStatusUpdate{
		Servers:        servers,
		Timestamp:      time.Now().UTC(),
		TotalServers:   len(servers),
		HealthyServers: healthy,
	}
}

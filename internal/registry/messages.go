package registry

import (
	"github.com/dray-io/meshsync/internal/envelope"
)

// Address is the route every registry mailbox is served on.
const Address = "mesh.registry"

// Message types carried in the type header.
const (
	TypePeers      = "PEERS"
	TypePing       = "PING"
	TypeChecksum   = "CHECKSUM"
	TypeJoin       = "JOIN"
	TypeLeave      = "LEAVE"
	TypeAdd        = "ADD"
	TypeUnregister = "UNREGISTER"
)

func message(msgType string, headers map[string]string, body any) *envelope.Envelope {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[envelope.HeaderType] = msgType
	return envelope.New(Address, headers, body)
}

// PeersMessage carries a full snapshot of live origins.
func PeersMessage(origins []string) *envelope.Envelope {
	body := append([]string(nil), origins...)
	return message(TypePeers, nil, body)
}

// PingMessage asks the registry to broadcast its checksum.
func PingMessage() *envelope.Envelope {
	return message(TypePing, nil, nil)
}

// ChecksumMessage reports origin's table digest to target.
func ChecksumMessage(origin, checksum, target string) *envelope.Envelope {
	return message(TypeChecksum, map[string]string{
		envelope.HeaderOrigin:   origin,
		envelope.HeaderChecksum: checksum,
		envelope.HeaderTarget:   target,
	}, nil)
}

// JoinMessage announces origin. An empty version is omitted.
func JoinMessage(origin, version string) *envelope.Envelope {
	headers := map[string]string{envelope.HeaderOrigin: origin}
	if version != "" {
		headers[envelope.HeaderVersion] = version
	}
	return message(TypeJoin, headers, nil)
}

// LeaveMessage announces that origin is gone.
func LeaveMessage(origin string) *envelope.Envelope {
	return message(TypeLeave, map[string]string{envelope.HeaderOrigin: origin}, nil)
}

// AddMessage binds origin to route.
func AddMessage(origin, route, personality string) *envelope.Envelope {
	return message(TypeAdd, map[string]string{
		envelope.HeaderOrigin:      origin,
		envelope.HeaderRoute:       route,
		envelope.HeaderPersonality: personality,
	}, nil)
}

// SnapshotMessage pushes every route origin serves, as route -> personality.
func SnapshotMessage(origin string, routes map[string]string) *envelope.Envelope {
	body := make(map[string]string, len(routes))
	for k, v := range routes {
		body[k] = v
	}
	return message(TypeAdd, map[string]string{envelope.HeaderOrigin: origin}, body)
}

// UnregisterMessage unbinds origin from route.
func UnregisterMessage(origin, route string) *envelope.Envelope {
	return message(TypeUnregister, map[string]string{
		envelope.HeaderOrigin: origin,
		envelope.HeaderRoute:  route,
	}, nil)
}

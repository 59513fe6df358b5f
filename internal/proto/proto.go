package proto

import "time"

const (
	// DefaultNamespace prefixes every channel tag so unrelated Nostr traffic
	// using the same channel names is not picked up.
	DefaultNamespace = "idcs"

	// EventKind is the NIP-28 channel message kind.
	EventKind = 42

	// ChannelTagName is the tag key that binds an event to a channel.
	ChannelTagName = "t"

	// LocalIDPrefix marks messages authored while offline. Transport ids are
	// 64 hex chars and can never carry this prefix.
	LocalIDPrefix = "offline-"

	// BusTopic is the GossipSub topic used to bridge the local bus between
	// sibling processes on the same device.
	BusTopic = "reliefmesh.bus.v1"
)

// Message is a chat message as stored in the durable log and shown in a
// channel view.
type Message struct {
	ID           string `json:"id"`
	PubKey       string `json:"pubkey"` // hex, x-only secp256k1
	Content      string `json:"content"`
	CreatedAt    int64  `json:"created_at"` // unix seconds
	ChannelID    string `json:"channel_id"`
	Alias        string `json:"alias"`
	Local        bool   `json:"local,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// IsLocal reports whether the message id was issued locally for an
// offline-authored message.
func (m Message) IsLocal() bool {
	return len(m.ID) > len(LocalIDPrefix) && m.ID[:len(LocalIDPrefix)] == LocalIDPrefix
}

// QueuedMessage is a send intent recorded while offline.
type QueuedMessage struct {
	Seq        int64  `json:"seq"`
	ChannelID  string `json:"channel_id"`
	Content    string `json:"content"`
	EnqueuedAt int64  `json:"enqueued_at"`
	LocalID    string `json:"local_id,omitempty"`
}

// ChannelTag returns the tag value binding an event to channelID.
func ChannelTag(namespace, channelID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "-" + channelID
}

func NowUnix() int64 { return time.Now().Unix() }

package domain

// PeerID identifies one voice-mesh endpoint. It is unique per connection
// attempt, not per user: a client that leaves and rejoins gets a new one.
type PeerID string

// VoicePeer is the roster entry for one remote mesh participant.
// The media connection and audio sink it maps to are owned by the
// voice coordinator, never stored here.
type VoicePeer struct {
	PeerID    PeerID `json:"peerId"`
	UserID    UserID `json:"userId"`
	Username  string `json:"username"`
	Muted     bool   `json:"isMuted"`
	Connected bool   `json:"isConnected"`
}

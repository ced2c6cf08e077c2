package protocol

import "github.com/google/uuid"

// ConnectedData is the payload for an outbound "connected" frame.
type ConnectedData struct {
	SocketID  string    `json:"socket_id"`
	ProjectID uuid.UUID `json:"project_id"`
	ClientID  uuid.UUID `json:"client_id"`
	CanEdit   bool      `json:"can_edit"`
	Timestamp string    `json:"timestamp"`
}

// AckData is the payload for an outbound "ack" frame.
type AckData struct {
	EventID    uuid.UUID `json:"event_id"`
	Seq        uint64    `json:"seq"`
	ReceivedAt string    `json:"received_at"`
}

// ErrorData is the payload for an outbound "error" frame.
type ErrorData struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	EventID   *string `json:"event_id,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// PongData is the payload for an outbound "pong" frame.
type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

// PresenceUser mirrors one entry of a presence broadcast/snapshot.
type PresenceUser struct {
	UserID            uuid.UUID `json:"userId"`
	ClientID          uuid.UUID `json:"clientId"`
	DisplayName       string    `json:"displayName"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	Color             string    `json:"color"`
	CursorPosition    *float64  `json:"cursorPosition,omitempty"`
	PlayheadPosition  *float64  `json:"playheadPosition,omitempty"`
	SelectedTrackID   *string   `json:"selectedTrackId,omitempty"`
	SelectedClipIDs   []string  `json:"selectedClipIds,omitempty"`
	Activity          string    `json:"activity"`
	LastSeen          string    `json:"lastSeen"`
	JoinedAt          string    `json:"joinedAt"`
}

// PresenceData is the payload for outbound "presence" frames.
type PresenceData struct {
	Action      string         `json:"action"`
	Users       []PresenceUser `json:"users"`
	UpdatedUser *PresenceUser  `json:"updatedUser,omitempty"`
}

// LockInfo mirrors one lock entry on the wire.
type LockInfo struct {
	LockID            uuid.UUID `json:"lockId"`
	ResourceType      string    `json:"resourceType"`
	ResourceID        string    `json:"resourceId"`
	HolderUserID      uuid.UUID `json:"holderUserId"`
	HolderClientID    uuid.UUID `json:"holderClientId"`
	HolderDisplayName string    `json:"holderDisplayName,omitempty"`
	AcquiredAt        string    `json:"acquiredAt"`
	ExpiresAt         string    `json:"expiresAt"`
	Reason            string    `json:"reason,omitempty"`
}

// LockData is the payload for outbound "lock" frames.
type LockData struct {
	Action      string     `json:"action"`
	Locks       []LockInfo `json:"locks"`
	ChangedLock *LockInfo  `json:"changedLock,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// LockResponseData is the payload for outbound "lock_response" frames,
// sent only to the requester.
type LockResponseData struct {
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Granted      *bool     `json:"granted,omitempty"`
	Success      *bool     `json:"success,omitempty"`
	Lock         *LockInfo `json:"lock,omitempty"`
	HeldBy       *LockInfo `json:"heldBy,omitempty"`
	Error        string    `json:"error,omitempty"`
}

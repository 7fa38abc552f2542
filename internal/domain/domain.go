// Package domain contains the core entities of the Clawline gateway.
package domain

import "time"

// DeviceInfo describes the client hardware/software that owns a device id.
type DeviceInfo struct {
	Platform  string `json:"platform"`
	Model     string `json:"model"`
	OSVersion string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// AllowlistEntry is a device approved to hold a bearer token for a user.
type AllowlistEntry struct {
	DeviceID       string     `json:"deviceId"`
	UserID         string     `json:"userId"`
	IsAdmin        bool       `json:"isAdmin"`
	ClaimedName    string     `json:"claimedName,omitempty"`
	DeviceInfo     DeviceInfo `json:"deviceInfo"`
	TokenDelivered bool       `json:"tokenDelivered"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
}

// PendingEntry is a device awaiting operator approval.
type PendingEntry struct {
	DeviceID    string     `json:"deviceId"`
	ClaimedName string     `json:"claimedName,omitempty"`
	DeviceInfo  DeviceInfo `json:"deviceInfo"`
	RequestedAt time.Time  `json:"requestedAt"`
}

// DenylistEntry revokes a device's token and evicts its live session.
type DenylistEntry struct {
	DeviceID string `json:"deviceId"`
}

// StreamKind classifies a StreamSession row.
type StreamKind string

const (
	StreamKindMain     StreamKind = "main"
	StreamKindDM       StreamKind = "dm"
	StreamKindGlobalDM StreamKind = "global_dm"
	StreamKindCustom   StreamKind = "custom"
)

// StreamSession is a catalog entry: one subscribable stream for a user.
type StreamSession struct {
	UserID      string     `json:"-"`
	SessionKey  string     `json:"sessionKey"`
	DisplayName string     `json:"displayName"`
	Kind        StreamKind `json:"kind"`
	OrderIndex  int        `json:"orderIndex"`
	IsBuiltIn   bool       `json:"isBuiltIn"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// EventType discriminates the Event.PayloadJSON shape.
type EventType string

const (
	EventTypeMessage        EventType = "message"
	EventTypeActivity       EventType = "activity"
	EventTypeStreamCreated  EventType = "stream_created"
	EventTypeStreamUpdated  EventType = "stream_updated"
	EventTypeStreamDeleted  EventType = "stream_deleted"
	EventTypeStreamSnapshot EventType = "stream_snapshot"
)

// Event is an immutable, sequenced row in a user's event log.
type Event struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	SessionKey         string    `json:"sessionKey"`
	Sequence           int64     `json:"sequence"`
	EventType          EventType `json:"eventType"`
	OriginatingDeviceID string   `json:"originatingDeviceId,omitempty"`
	PayloadJSON        string    `json:"-"`
	PayloadBytes       int       `json:"-"`
	Timestamp          time.Time `json:"timestamp"`
}

// StreamingState is the lifecycle of a UserMessageRecord.
type StreamingState string

const (
	StreamingFinalized StreamingState = "Finalized"
	StreamingActive    StreamingState = "Active"
	StreamingFailed    StreamingState = "Failed"
	StreamingQueued    StreamingState = "Queued"
)

// UserMessageRecord is the idempotency and lifecycle record for one inbound message.
type UserMessageRecord struct {
	DeviceID        string         `json:"deviceId"`
	ClientID        string         `json:"clientId"`
	UserID          string         `json:"userId"`
	ServerEventID   string         `json:"serverEventId"`
	ServerSequence  int64          `json:"serverSequence"`
	ContentHash     string         `json:"contentHash"`
	AttachmentsHash string         `json:"attachmentsHash"`
	StreamingState  StreamingState `json:"streamingState"`
	AckSent         bool           `json:"ackSent"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Asset is an owned, content-addressable media blob.
type Asset struct {
	AssetID          string    `json:"assetId"`
	UserID           string    `json:"userId"`
	MimeType         string    `json:"mimeType"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"createdAt"`
	UploaderDeviceID string    `json:"uploaderDeviceId"`
}

// IdempotencyOperation enumerates stream-catalog mutations memoized for replay.
type IdempotencyOperation string

const (
	OperationCreateStream IdempotencyOperation = "create_stream"
	OperationDeleteStream IdempotencyOperation = "delete_stream"
)

// IdempotencyRecord memoizes the response of a stream-catalog mutation.
type IdempotencyRecord struct {
	UserID             string                `json:"userId"`
	IdempotencyKey     string                `json:"idempotencyKey"`
	Operation          IdempotencyOperation  `json:"operation"`
	RequestFingerprint string                `json:"requestFingerprint"`
	Status             int                   `json:"status"`
	ResponseBody       string                `json:"responseBody"`
	CreatedAt          time.Time             `json:"createdAt"`
}

// Package wsgateway implements the `/ws` endpoint: pair_request/auth/
// message/interactive-callback frame dispatch, session registration,
// replay-on-auth, and a writer-pump draining each session's outbound
// mailbox to the socket, generalizing the teacher's
// terminal.WebSocketHandler Accept/inputLoop/outputLoop shape from a
// single PTY stream to the gateway's typed frame protocol.
package wsgateway

import "github.com/clickety-clacks/clawline/internal/domain"

const protocolVersion = 1

// inFrame is the minimal envelope read to dispatch on Type before decoding
// the frame-specific body.
type inFrame struct {
	Type string `json:"type"`
}

type pairRequestFrame struct {
	Type            string            `json:"type"`
	ProtocolVersion int               `json:"protocolVersion"`
	DeviceID        string            `json:"deviceId"`
	DeviceInfo      domain.DeviceInfo `json:"deviceInfo"`
	ClaimedName     string            `json:"claimedName,omitempty"`
}

type authFrame struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocolVersion"`
	DeviceID        string   `json:"deviceId"`
	Token           string   `json:"token"`
	LastMessageID   string   `json:"lastMessageId,omitempty"`
	ClientFeatures  []string `json:"clientFeatures,omitempty"`
}

type interactiveCallbackFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	Payload   callbackPayload `json:"payload"`
}

type callbackPayload struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

type pairResultFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type authResultFrame struct {
	Type            string   `json:"type"`
	Success         bool     `json:"success"`
	UserID          string   `json:"userId,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	IsAdmin         bool     `json:"isAdmin,omitempty"`
	ReplayCount     int      `json:"replayCount,omitempty"`
	ReplayTruncated bool     `json:"replayTruncated,omitempty"`
	HistoryReset    bool     `json:"historyReset,omitempty"`
	Features        []string `json:"features,omitempty"`
	DMScope         bool     `json:"dmScope,omitempty"`
	SessionKeys     []string `json:"sessionKeys,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

type sessionInfoFrame struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId"`
	IsAdmin     bool     `json:"isAdmin"`
	DMScope     bool     `json:"dmScope"`
	SessionKeys []string `json:"sessionKeys"`
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Control channel message types.
const (
	TypeConnect     = "CONNECT"
	TypeUserList    = "USER_LIST"
	TypeChat        = "CHAT"
	TypeFileInfo    = "FILE_INFO"
	TypeFileRequest = "FILE_REQUEST"
	TypeScreenStart = "SCREEN_START"
	TypeScreenStop  = "SCREEN_STOP"
	TypeScreenFrame = "SCREEN_FRAME"
	TypeDisconnect  = "DISCONNECT"
)

// FILE_INFO negotiation statuses.
const (
	StatusRequestUpload = "REQUEST_UPLOAD"
	StatusReadyUpload   = "READY_UPLOAD"
	StatusAvailable     = "AVAILABLE"
)

// Message is the envelope for every control channel frame. The payload
// shape depends on Type; each type has a dedicated Data struct below,
// validated at the framing boundary instead of being passed around as a
// free-form map.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage wraps a typed payload into an envelope.
func NewMessage(msgType string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Data: raw}, nil
}

// Decode unmarshals the payload into the type-specific struct.
func (m *Message) Decode(into any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ConnectData is the first message a client must send.
type ConnectData struct {
	Username string `json:"username"`
}

// UserListData is the roster broadcast on every join and leave.
type UserListData struct {
	Users []string `json:"users"`
}

// ChatData carries a chat message. Clients send only Message; the server
// stamps Username and Timestamp before fan-out.
type ChatData struct {
	Username  string `json:"username,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// FileInfoData covers the whole upload/download negotiation: the client's
// REQUEST_UPLOAD, the server's READY_UPLOAD rendezvous reply, the AVAILABLE
// broadcast, download metadata, and structured errors.
type FileInfoData struct {
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Uploader string `json:"uploader,omitempty"`
	Status   string `json:"status,omitempty"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FileRequestData asks for a stored file. Port is the client's pre-bound
// download listener; the server dials (control-connection IP, Port).
type FileRequestData struct {
	FileID string `json:"file_id"`
	Port   int    `json:"port"`
}

// ScreenStartData is both the ack to the requester (Success, Message) and
// the broadcast to everyone else (Presenter).
type ScreenStartData struct {
	Success   bool   `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
	Presenter string `json:"presenter,omitempty"`
}

// ScreenStopData announces that the presenter slot was released.
type ScreenStopData struct {
	Presenter string `json:"presenter"`
}

// ScreenFrameData relays one encoded screen frame, presenter to viewers.
type ScreenFrameData struct {
	Frame string `json:"frame"`
}

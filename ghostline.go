// Package ghostline defines the wire types spoken between editors and the
// ghostline daemon. Messages are JSON-encoded, one per line on the Unix
// socket and one per text frame on the websocket.
package ghostline

// Client message types.
const (
	MsgOpen      = "open"
	MsgDoc       = "doc"
	MsgSelection = "selection"
	MsgKey       = "key"
	MsgClick     = "click"
	MsgFocus     = "focus"
	MsgBlur      = "blur"
	MsgEnable    = "enable"
	MsgClose     = "close"
	MsgConfig    = "config"
)

// Server event types.
const (
	EventGhost  = "ghost"
	EventHide   = "hide"
	EventInsert = "insert"
	EventKey    = "key"
	EventConfig = "config"
	EventError  = "error"
)

// Selection is a range of character offsets into the document. From == To is
// a caret.
type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ClientMessage is sent from an editor to the daemon.
type ClientMessage struct {
	// Type is one of the Msg* constants.
	Type string `json:"type"`
	// SessionID identifies the editor view. Every type except "config" needs one.
	SessionID string `json:"session_id,omitempty"`
	// Text is the full document content (for "open" and "doc").
	Text *string `json:"text,omitempty"`
	// Selection is the current selection (for "open", "doc" and "selection").
	Selection *Selection `json:"selection,omitempty"`
	// Focus is whether the view has focus when opened. Defaults to true.
	Focus *bool `json:"focus,omitempty"`
	// Key is a DOM KeyboardEvent.key name (for "key").
	Key string `json:"key,omitempty"`
	// KeyID is echoed back in the "key" event so the editor can match replies.
	KeyID int `json:"key_id,omitempty"`
	// Enabled switches suggestions on or off (for "enable").
	Enabled *bool `json:"enabled,omitempty"`
	// Action is the config operation (for "config").
	Action string `json:"action,omitempty"`
}

// ServerEvent is sent from the daemon to an editor.
type ServerEvent struct {
	// Type is one of the Event* constants.
	Type string `json:"type"`
	// SessionID is the view the event concerns.
	SessionID string `json:"session_id,omitempty"`
	// Pos is the character offset of a ghost or an insertion.
	Pos *int `json:"pos,omitempty"`
	// Text is the ghost text or the text to insert.
	Text string `json:"text,omitempty"`
	// KeyID echoes ClientMessage.KeyID.
	KeyID int `json:"key_id,omitempty"`
	// Handled reports whether the key was consumed and its default action must be skipped.
	Handled *bool `json:"handled,omitempty"`
	// Config is set for "config" events.
	Config *ConfigResponse `json:"config,omitempty"`
	// Error is set for "error" events.
	Error *Error `json:"error,omitempty"`
}

// Error describes a daemon-side error returned to the editor.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "invalid_request", "unknown_session").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ConfigResponse answers a "config" message.
type ConfigResponse struct {
	// Config is the current configuration (for "get", "reload", and "defaults" actions).
	Config *Config `json:"config,omitempty"`
	// Prompt is the default prompt template (for "default_prompt" action).
	Prompt string `json:"prompt,omitempty"`
	// Warnings contains configuration warnings (for "validate" action).
	Warnings []string `json:"warnings,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

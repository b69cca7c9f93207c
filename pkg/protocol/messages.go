// Package protocol defines the wire tokens and text formats of the rsachat
// session protocol.
package protocol

import (
	"errors"
	"strings"
)

// Action is the first line a client sends after the key exchange.
type Action int

const (
	ActionUnknown Action = iota
	ActionLogin
	ActionRegister
)

// Action tokens
const (
	TokenLogin    = "LOGIN"
	TokenRegister = "REGISTER"
)

// ParseAction maps an action line to its Action. Anything that is not an
// exact token is ActionUnknown.
func ParseAction(line string) Action {
	switch line {
	case TokenLogin:
		return ActionLogin
	case TokenRegister:
		return ActionRegister
	default:
		return ActionUnknown
	}
}

// String returns the wire token for a, or "UNKNOWN".
func (a Action) String() string {
	switch a {
	case ActionLogin:
		return TokenLogin
	case ActionRegister:
		return TokenRegister
	default:
		return "UNKNOWN"
	}
}

// Status is a plaintext status line sent by the server.
type Status string

// Status tokens
const (
	StatusInvalidAction         Status = "INVALID_ACTION"
	StatusLoginSuccess          Status = "LOGIN_SUCCESS"
	StatusLoginFailed           Status = "LOGIN_FAILED"
	StatusRegisterSuccess       Status = "REGISTER_SUCCESS"
	StatusRegisterUserExists    Status = "REGISTER_USER_EXISTS"
	StatusRegisterPasswordShort Status = "REGISTER_PASSWORD_TOO_SHORT"
	StatusRegisterInvalidFormat Status = "REGISTER_INVALID_FORMAT"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

const credentialSeparator = ":"

// ErrMalformedCredentials is returned for a credential line that is not
// "<username>:<password>".
var ErrMalformedCredentials = errors.New("protocol: malformed credentials")

// FormatCredentials builds the plaintext of the credential line.
func FormatCredentials(username, password string) string {
	return username + credentialSeparator + password
}

// ParseCredentials splits a decrypted credential line at the first colon.
// The password may itself contain colons; the username may not be empty.
func ParseCredentials(s string) (username, password string, err error) {
	parts := strings.SplitN(s, credentialSeparator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", ErrMalformedCredentials
	}
	return parts[0], parts[1], nil
}

// ChatLine formats a broadcast chat message.
func ChatLine(username, text string) string {
	return username + ": " + text
}

// JoinNotice is broadcast when a user logs in.
func JoinNotice(username string) string {
	return username + " joined the chat"
}

// LeaveNotice is broadcast when an authenticated user disconnects.
func LeaveNotice(username string) string {
	return username + " left the chat"
}

// Package protocol defines the sync wire format: request and status codes,
// access rights and a bounded big-endian codec for the request bodies.
//
// Every request starts with (version, code) and every response with
// (version, code, status). A status <= StatusError is followed by an error
// string. One connection carries any number of request/response rounds.
package protocol

import (
	"errors"
	"fmt"
)

const Version int32 = 1

type Code int32

const (
	GetRemoteTip Code = 1
	GetChunks    Code = 3
	PutChunks    Code = 4
	HasChunks    Code = 5
	GetAllChunks Code = 6
)

func (c Code) String() string {
	switch c {
	case GetRemoteTip:
		return "GET_REMOTE_TIP"
	case GetChunks:
		return "GET_CHUNKS"
	case PutChunks:
		return "PUT_CHUNKS"
	case HasChunks:
		return "HAS_CHUNKS"
	case GetAllChunks:
		return "GET_ALL_CHUNKS"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

type Status int32

const (
	StatusAccessDenied Status = -2
	StatusError        Status = -1
	StatusOK           Status = 0
	StatusPullRequired Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusError:
		return "ERROR"
	case StatusOK:
		return "OK"
	case StatusPullRequired:
		return "PULL_REQUIRED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Failed reports whether the status carries an error message.
func (s Status) Failed() bool { return s <= StatusError }

var (
	ErrProtocol     = errors.New("protocol error")
	ErrAccessDenied = errors.New("access denied")
	ErrTooLarge     = errors.New("value exceeds protocol limit")
)

// RemoteError is a failure reported by the peer.
type RemoteError struct {
	Code    Code
	Status  Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed with %s: %s", e.Code, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Status == StatusAccessDenied {
		return ErrAccessDenied
	}
	return ErrProtocol
}

// Rights is a capability bitmask granted to a connection.
type Rights int32

const (
	RightPull           Rights = 1
	RightPush           Rights = 2
	RightPullChunkStore Rights = 4

	AllRights = RightPull | RightPush | RightPullChunkStore
)

// RequiredRights returns the rights a request code needs. Unknown codes
// need every right.
func RequiredRights(code Code) Rights {
	switch code {
	case GetRemoteTip, GetChunks, HasChunks:
		return RightPull
	case PutChunks:
		return RightPush
	case GetAllChunks:
		return RightPull | RightPullChunkStore
	default:
		return AllRights
	}
}

// AccessControl checks granted rights against request codes.
type AccessControl struct {
	disabled bool
}

// NewAccessControl returns a checker. A disabled checker allows everything,
// which test servers use.
func NewAccessControl(disabled bool) AccessControl {
	return AccessControl{disabled: disabled}
}

func (a AccessControl) Disabled() bool { return a.disabled }

func (a AccessControl) Check(code Code, granted Rights) bool {
	if a.disabled {
		return true
	}
	need := RequiredRights(code)
	return granted&need == need
}

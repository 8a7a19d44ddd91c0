// Package types defines the message contracts shared by every sentinel
// service: frame envelopes, branch verdicts, actions and the enumerated
// action/reason codes delivered to clients.
package types

import (
	"strings"
	"time"
)

// ActionCode is the enforcement action delivered to a client.
type ActionCode int

const (
	NoAction   ActionCode = 0
	LockScreen ActionCode = 1
	SignOut    ActionCode = 2
	Warning    ActionCode = 3
	ActionErr  ActionCode = 4
)

var actionNames = map[ActionCode]string{
	NoAction:   "NO_ACTION",
	LockScreen: "LOCK_SCREEN",
	SignOut:    "SIGN_OUT",
	Warning:    "WARNING",
	ActionErr:  "ERROR",
}

func (a ActionCode) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "UNKNOWN"
}

// Label renders the code the way saved-action paths spell it:
// first letter upper, remainder lower ("LOCK_SCREEN" → "Lock_screen").
func (a ActionCode) Label() string {
	return titleLabel(a.String())
}

// ReasonCode explains why an action was taken.
type ReasonCode int

const (
	ReasonEmpty             ReasonCode = 0
	ReasonPhoneDetection    ReasonCode = 1
	ReasonCableRemoved      ReasonCode = 2
	ReasonCameraDetached    ReasonCode = 3
	ReasonConnectivity      ReasonCode = 4
	ReasonSpoofImage        ReasonCode = 5
	ReasonWrongUser         ReasonCode = 6
	ReasonNoFace            ReasonCode = 7
	ReasonBlocked           ReasonCode = 8
	ReasonPaused            ReasonCode = 9
	ReasonResumed           ReasonCode = 10
	ReasonNotAvailable      ReasonCode = 11
	ReasonRateLimitExceeded ReasonCode = 12
)

var reasonNames = map[ReasonCode]string{
	ReasonEmpty:             "EMPTY",
	ReasonPhoneDetection:    "PHONE_DETECTION",
	ReasonCableRemoved:      "CABLE_REMOVED",
	ReasonCameraDetached:    "CAMERA_DETACHED",
	ReasonConnectivity:      "CONNECTIVITY",
	ReasonSpoofImage:        "SPOOF_IMAGE",
	ReasonWrongUser:         "WRONG_USER",
	ReasonNoFace:            "NO_FACE",
	ReasonBlocked:           "BLOCKED",
	ReasonPaused:            "PAUSED",
	ReasonResumed:           "RESUMED",
	ReasonNotAvailable:      "NOT_AVAILABLE",
	ReasonRateLimitExceeded: "RATE_LIMIT_EXCEEDED",
}

func (r ReasonCode) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// Label renders the code the way saved-action paths spell it
// ("WRONG_USER" → "Wrong_user").
func (r ReasonCode) Label() string {
	return titleLabel(r.String())
}

func titleLabel(name string) string {
	if name == "" {
		return ""
	}
	lower := strings.ToLower(name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// BBox is a pixel-space bounding box, inclusive top-left, exclusive
// bottom-right.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Stamp formats a wall-clock instant the way send_time/finish_time are
// carried on the wire. UTC RFC3339 with nanoseconds, so stamps from the
// same clock compare lexicographically in event order.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NowStamp returns Stamp(time.Now()).
func NowStamp() string {
	return Stamp(time.Now())
}

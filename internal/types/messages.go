package types

import "encoding/json"

// FrameEnvelope describes one captured frame without carrying its
// pixels. The frame bytes live in the object store under ObjectKey;
// every hop between services forwards the envelope, never the image.
type FrameEnvelope struct {
	ClientName      string         `json:"client_name"`
	SendTime        string         `json:"send_time"`
	ObjectKey       string         `json:"object_key"`
	Bucket          string         `json:"bucket"`
	ContentType     string         `json:"content_type,omitempty"`
	StorageProvider string         `json:"storage_provider,omitempty"`
	FrameSizeBytes  int64          `json:"frame_size_bytes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Serialize encodes the envelope for the broker.
func (e *FrameEnvelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeFrameEnvelope parses an envelope, tolerating unknown fields.
func DecodeFrameEnvelope(data []byte) (*FrameEnvelope, error) {
	var e FrameEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// FaceVerdict is the face branch result for one frame. Envelope fields
// are forwarded verbatim; pointers distinguish "absent" from zero.
type FaceVerdict struct {
	ClientName             string         `json:"client_name"`
	SendTime               string         `json:"send_time"`
	ObjectKey              string         `json:"object_key,omitempty"`
	Bucket                 string         `json:"bucket,omitempty"`
	FaceBBox               *BBox          `json:"face_bbox,omitempty"`
	CheckClient            *bool          `json:"check_client,omitempty"`
	CheckSpoof             *bool          `json:"check_spoof,omitempty"`
	RecognitionMetricValue *float64       `json:"recognition_metric_value,omitempty"`
	Threshold              *float64       `json:"threshold,omitempty"`
	DetectionSuccess       bool           `json:"detection_success"`
	ProcessingError        string         `json:"processing_error,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

func (v *FaceVerdict) Serialize() ([]byte, error) {
	return json.Marshal(v)
}

// DecodeFaceVerdict parses a face verdict, tolerating unknown fields.
func DecodeFaceVerdict(data []byte) (*FaceVerdict, error) {
	var v FaceVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PhoneVerdict is the phone branch result for one frame.
type PhoneVerdict struct {
	ClientName      string         `json:"client_name"`
	SendTime        string         `json:"send_time"`
	ObjectKey       string         `json:"object_key,omitempty"`
	Bucket          string         `json:"bucket,omitempty"`
	PhoneBBox       *BBox          `json:"phone_bbox,omitempty"`
	PhoneConfidence *float64       `json:"phone_confidence,omitempty"`
	ProcessingError string         `json:"processing_error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (v *PhoneVerdict) Serialize() ([]byte, error) {
	return json.Marshal(v)
}

// DecodePhoneVerdict parses a phone verdict, tolerating unknown fields.
func DecodePhoneVerdict(data []byte) (*PhoneVerdict, error) {
	var v PhoneVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Action is the lightweight enforcement message routed back to the
// owning gateway session.
type Action struct {
	ClientName string     `json:"client_name"`
	Action     ActionCode `json:"action"`
	Reason     ReasonCode `json:"reason"`
	SendTime   string     `json:"send_time"`
	FinishTime string     `json:"finish_time"`
}

func (a *Action) Serialize() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAction parses an action, tolerating unknown fields.
func DecodeAction(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SavedAction is the audit-bound enrichment of an Action: the annotated
// frame (bbox drawn) plus the deterministic key it must be written to.
// ImageB64 carries the annotated JPEG; the original frame location is
// kept for traceability.
type SavedAction struct {
	Action
	Bucket    string         `json:"bucket,omitempty"`
	ObjectKey string         `json:"object_key,omitempty"`
	SavePath  string         `json:"save_path"`
	ImageB64  string         `json:"image_b64,omitempty"`
	BBox      *BBox          `json:"bbox,omitempty"`
	BBoxColor string         `json:"bbox_color,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *SavedAction) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSavedAction parses a saved action, tolerating unknown fields.
func DecodeSavedAction(data []byte) (*SavedAction, error) {
	var s SavedAction
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClientFrame is the inbound WebSocket message from a client: the
// claimed identity plus one base64-encoded camera frame.
type ClientFrame struct {
	UserName string `json:"user_name"`
	Image    string `json:"image"`
}

// DecodeClientFrame parses an inbound client message.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionLabels(t *testing.T) {
	assert.Equal(t, "Lock_screen", LockScreen.Label())
	assert.Equal(t, "Sign_out", SignOut.Label())
	assert.Equal(t, "No_action", NoAction.Label())
	assert.Equal(t, "Wrong_user", ReasonWrongUser.Label())
	assert.Equal(t, "Spoof_image", ReasonSpoofImage.Label())
	assert.Equal(t, "Phone_detection", ReasonPhoneDetection.Label())
}

func TestCodeNames(t *testing.T) {
	assert.Equal(t, "ERROR", ActionErr.String())
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", ReasonRateLimitExceeded.String())
	assert.Equal(t, "UNKNOWN", ActionCode(99).String())
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"client_name":"obama","send_time":"t0","object_key":"frames/obama/x.jpg","bucket":"face-frames","future_field":42}`)
	env, err := DecodeFrameEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "obama", env.ClientName)
	assert.Equal(t, "frames/obama/x.jpg", env.ObjectKey)

	verdict, err := DecodeFaceVerdict([]byte(`{"client_name":"obama","detection_success":true,"not_yet_specified":{"a":1}}`))
	require.NoError(t, err)
	assert.True(t, verdict.DetectionSuccess)
	assert.Nil(t, verdict.FaceBBox)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &FrameEnvelope{
		ClientName:      "obama",
		SendTime:        NowStamp(),
		ObjectKey:       "frames/obama/20260101T000000-abcdef123456.jpg",
		Bucket:          "face-frames",
		ContentType:     "image/jpeg",
		StorageProvider: "minio",
		FrameSizeBytes:  1024,
	}
	data, err := in.Serialize()
	require.NoError(t, err)
	out, err := DecodeFrameEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStampOrdering(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(250 * time.Millisecond)
	assert.Less(t, Stamp(t0), Stamp(t1))
}

func TestBBoxExtents(t *testing.T) {
	b := BBox{X1: 10, Y1: 20, X2: 110, Y2: 80}
	assert.Equal(t, 100, b.Width())
	assert.Equal(t, 60, b.Height())
}

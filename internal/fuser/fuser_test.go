package fuser

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/types"
)

type fakeStore struct {
	objects map[string][]byte
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

type fakePublisher struct {
	queues map[string][][]byte
	err    error
}

func (f *fakePublisher) PublishQueue(_ context.Context, queue string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.queues == nil {
		f.queues = map[string][][]byte{}
	}
	f.queues[queue] = append(f.queues[queue], body)
	return nil
}

func newTestFuser(t *testing.T) (*Fuser, *fakeStore, *fakePublisher) {
	t.Helper()
	store := &fakeStore{objects: map[string][]byte{}}
	pub := &fakePublisher{}
	f := New(store, pub, zerolog.Nop())
	f.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC) }
	return f, store, pub
}

func addFrame(t *testing.T, store *fakeStore, key string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 120, G: 120, B: 120, A: 255}}, image.Point{}, draw.Src)
	data, err := imaging.EncodeJPEG(img)
	require.NoError(t, err)
	store.objects[key] = data
}

func faceBody(t *testing.T, v types.FaceVerdict) []byte {
	t.Helper()
	body, err := v.Serialize()
	require.NoError(t, err)
	return body
}

func phoneBody(t *testing.T, v types.PhoneVerdict) []byte {
	t.Helper()
	body, err := v.Serialize()
	require.NoError(t, err)
	return body
}

func lastAction(t *testing.T, pub *fakePublisher) *types.Action {
	t.Helper()
	msgs := pub.queues[broker.QueueActions]
	require.NotEmpty(t, msgs)
	a, err := types.DecodeAction(msgs[len(msgs)-1])
	require.NoError(t, err)
	return a
}

func lastSaved(t *testing.T, pub *fakePublisher) *types.SavedAction {
	t.Helper()
	msgs := pub.queues[broker.QueueSavedActions]
	require.NotEmpty(t, msgs)
	s, err := types.DecodeSavedAction(msgs[len(msgs)-1])
	require.NoError(t, err)
	return s
}

func boolPtr(b bool) *bool { return &b }

func TestGenuineUserEmitsNoActionWithoutSave(t *testing.T) {
	f, _, pub := newTestFuser(t)
	box := types.BBox{X1: 10, Y1: 10, X2: 20, Y2: 20}
	decision := f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName:       "obama",
		SendTime:         "2026-01-02T03:04:05Z",
		FaceBBox:         &box,
		CheckClient:      boolPtr(true),
		CheckSpoof:       boolPtr(false),
		DetectionSuccess: true,
	}))
	assert.Equal(t, broker.Ack, decision)

	a := lastAction(t, pub)
	assert.Equal(t, types.NoAction, a.Action)
	assert.Equal(t, types.ReasonEmpty, a.Reason)
	assert.Equal(t, "obama", a.ClientName)
	assert.LessOrEqual(t, a.SendTime, a.FinishTime)
	assert.Empty(t, pub.queues[broker.QueueSavedActions])
}

func TestWrongUserLocksScreenAndSaves(t *testing.T) {
	f, store, pub := newTestFuser(t)
	key := "frames/obama/1.jpg"
	addFrame(t, store, key)
	box := types.BBox{X1: 5, Y1: 5, X2: 25, Y2: 25}

	f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName:       "obama",
		SendTime:         "2026-01-02T03:04:05Z",
		ObjectKey:        key,
		Bucket:           "face-frames",
		FaceBBox:         &box,
		CheckClient:      boolPtr(false),
		CheckSpoof:       boolPtr(false),
		DetectionSuccess: true,
	}))

	a := lastAction(t, pub)
	assert.Equal(t, types.LockScreen, a.Action)
	assert.Equal(t, types.ReasonWrongUser, a.Reason)

	s := lastSaved(t, pub)
	assert.True(t, strings.HasPrefix(s.SavePath, "actions/Lock_screen/obama/"))
	assert.True(t, strings.HasSuffix(s.SavePath, "__Lock_screen__Wrong_user.jpg"))
	assert.Equal(t, "green", s.BBoxColor)
	assert.Equal(t, key, s.ObjectKey)
	assert.NotEmpty(t, s.ImageB64)
}

func TestSpoofSignsOut(t *testing.T) {
	f, store, pub := newTestFuser(t)
	key := "frames/obama/2.jpg"
	addFrame(t, store, key)
	box := types.BBox{X1: 5, Y1: 5, X2: 25, Y2: 25}

	f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName:       "obama",
		ObjectKey:        key,
		FaceBBox:         &box,
		CheckClient:      boolPtr(true),
		CheckSpoof:       boolPtr(true),
		DetectionSuccess: true,
	}))

	a := lastAction(t, pub)
	assert.Equal(t, types.SignOut, a.Action)
	assert.Equal(t, types.ReasonSpoofImage, a.Reason)

	s := lastSaved(t, pub)
	assert.Contains(t, s.SavePath, "__Sign_out__Spoof_image.jpg")
}

func TestNoFaceLocksScreen(t *testing.T) {
	f, _, pub := newTestFuser(t)
	f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName: "obama",
	}))

	a := lastAction(t, pub)
	assert.Equal(t, types.LockScreen, a.Action)
	assert.Equal(t, types.ReasonNoFace, a.Reason)
}

func TestSpoofWinsOverWrongUser(t *testing.T) {
	f, _, pub := newTestFuser(t)
	box := types.BBox{X1: 1, Y1: 1, X2: 2, Y2: 2}
	f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName:       "obama",
		FaceBBox:         &box,
		CheckClient:      boolPtr(false),
		CheckSpoof:       boolPtr(true),
		DetectionSuccess: true,
	}))
	assert.Equal(t, types.SignOut, lastAction(t, pub).Action)
}

func TestFaceProcessingErrorEmitsErrorWithoutSave(t *testing.T) {
	f, _, pub := newTestFuser(t)
	f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{
		ClientName:      "obama",
		ProcessingError: "hydrate frame: object not found",
	}))

	a := lastAction(t, pub)
	assert.Equal(t, types.ActionErr, a.Action)
	assert.Equal(t, types.ReasonEmpty, a.Reason)
	assert.Empty(t, pub.queues[broker.QueueSavedActions])
}

func TestPhoneDetectionSignsOutAndSaves(t *testing.T) {
	f, store, pub := newTestFuser(t)
	key := "frames/obama/3.jpg"
	addFrame(t, store, key)
	box := types.BBox{X1: 3, Y1: 3, X2: 12, Y2: 12}
	conf := 0.9

	decision := f.HandlePhone(context.Background(), phoneBody(t, types.PhoneVerdict{
		ClientName:      "obama",
		ObjectKey:       key,
		PhoneBBox:       &box,
		PhoneConfidence: &conf,
	}))
	assert.Equal(t, broker.Ack, decision)

	a := lastAction(t, pub)
	assert.Equal(t, types.SignOut, a.Action)
	assert.Equal(t, types.ReasonPhoneDetection, a.Reason)

	s := lastSaved(t, pub)
	assert.Equal(t, "red", s.BBoxColor)
	assert.Contains(t, s.SavePath, "__Sign_out__Phone_detection.jpg")
}

func TestPhoneSuppressesNoAction(t *testing.T) {
	f, _, pub := newTestFuser(t)
	decision := f.HandlePhone(context.Background(), phoneBody(t, types.PhoneVerdict{
		ClientName: "obama",
	}))
	assert.Equal(t, broker.Ack, decision)
	assert.Empty(t, pub.queues[broker.QueueActions])
}

func TestMissingFrameStillSaves(t *testing.T) {
	f, _, pub := newTestFuser(t)
	box := types.BBox{X1: 1, Y1: 1, X2: 2, Y2: 2}
	conf := 0.9

	f.HandlePhone(context.Background(), phoneBody(t, types.PhoneVerdict{
		ClientName:      "obama",
		ObjectKey:       "frames/obama/expired.jpg",
		PhoneBBox:       &box,
		PhoneConfidence: &conf,
	}))

	// The snapshot vanished from the store; the record still goes out,
	// just without the annotated image.
	s := lastSaved(t, pub)
	assert.Empty(t, s.ImageB64)
	assert.NotEmpty(t, s.SavePath)
}

func TestPublishFailureDoesNotAck(t *testing.T) {
	f, _, pub := newTestFuser(t)
	pub.err = errors.New("broker gone")
	decision := f.HandleFace(context.Background(), faceBody(t, types.FaceVerdict{ClientName: "obama"}))
	assert.Equal(t, broker.Drop, decision)
}

func TestUndecodableVerdictDropped(t *testing.T) {
	f, _, _ := newTestFuser(t)
	assert.Equal(t, broker.Drop, f.HandleFace(context.Background(), []byte("junk")))
	assert.Equal(t, broker.Drop, f.HandlePhone(context.Background(), []byte("junk")))
}

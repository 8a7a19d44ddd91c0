package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/ratelimiter"
	"github.com/sentinelvision/sentinel/internal/statusstore"
	"github.com/sentinelvision/sentinel/internal/types"
)

type storedObject struct {
	key         string
	contentType string
	size        int
}

type fakeFrameStore struct {
	mu   sync.Mutex
	puts []storedObject
	err  error
}

func (f *fakeFrameStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.puts = append(f.puts, storedObject{key: key, contentType: contentType, size: len(data)})
	f.mu.Unlock()
	return nil
}

func (f *fakeFrameStore) Bucket() string   { return "face-frames" }
func (f *fakeFrameStore) Provider() string { return "minio" }

func (f *fakeFrameStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type fakePublisher struct {
	mu     sync.Mutex
	bodies map[string][][]byte
	err    error
}

func (f *fakePublisher) PublishQueue(_ context.Context, queue string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	if f.bodies == nil {
		f.bodies = map[string][][]byte{}
	}
	f.bodies[queue] = append(f.bodies[queue], append([]byte(nil), body...))
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) published(queue string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[queue]
}

type fakeStatus struct {
	mu   sync.Mutex
	sets map[string]map[string]bool
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{sets: map[string]map[string]bool{}}
}

func (f *fakeStatus) Prime(context.Context) error { return nil }

func (f *fakeStatus) Contains(_ context.Context, field, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[field][name], nil
}

func (f *fakeStatus) AddTo(_ context.Context, field, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[field] == nil {
		f.sets[field] = map[string]bool{}
	}
	added := !f.sets[field][name]
	f.sets[field][name] = true
	return added, nil
}

func (f *fakeStatus) RemoveFrom(_ context.Context, field, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	had := f.sets[field][name]
	delete(f.sets[field], name)
	return had, nil
}

type allowAll struct{}

func (allowAll) Allow(string) bool { return true }

type fakeRefs struct {
	names map[string]bool
}

func (f *fakeRefs) HasReference(name string) bool { return f.names[name] }

type gatewayFixture struct {
	server *Server
	frames *fakeFrameStore
	pub    *fakePublisher
	status *fakeStatus
	refs   *fakeRefs
}

func newFixture(t *testing.T, lim limiter) *gatewayFixture {
	t.Helper()
	frames := &fakeFrameStore{}
	pub := &fakePublisher{}
	status := newFakeStatus()
	refs := &fakeRefs{names: map[string]bool{"obama": true, "biden": true}}
	srv, err := New(Config{WSAddr: "127.0.0.1:0", MaxClients: 4, SocketTimeout: 2 * time.Second},
		frames, pub, status, lim, refs, zerolog.Nop())
	require.NoError(t, err)
	return &gatewayFixture{server: srv, frames: frames, pub: pub, status: status, refs: refs}
}

// dial wires a fake client to the server over an in-memory pipe.
func (fx *gatewayFixture) dial(t *testing.T) (net.Conn, *sync.WaitGroup) {
	t.Helper()
	client, server := net.Pipe()
	require.NoError(t, client.SetDeadline(time.Now().Add(3*time.Second)))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fx.server.ServeConn(server, "pipe")
	}()
	t.Cleanup(func() {
		client.Close()
		wg.Wait()
	})
	return client, &wg
}

func frameJSON(t *testing.T, user string) []byte {
	t.Helper()
	data, err := imaging.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	b64 := base64.StdEncoding.EncodeToString(data)
	return []byte(`{"user_name":"` + user + `","image":"` + b64 + `"}`)
}

func sendFrame(t *testing.T, client net.Conn, user string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText, frameJSON(t, user)))
}

// readServer reads the next server frame without auto-answering
// control frames, so close codes stay observable.
func readServer(t *testing.T, client net.Conn) (ws.OpCode, []byte) {
	t.Helper()
	for {
		frame, err := ws.ReadFrame(client)
		require.NoError(t, err)
		if frame.Header.OpCode == ws.OpPing || frame.Header.OpCode == ws.OpPong {
			continue
		}
		return frame.Header.OpCode, frame.Payload
	}
}

func readAction(t *testing.T, client net.Conn) *types.Action {
	t.Helper()
	op, payload := readServer(t, client)
	require.Equal(t, ws.OpText, op)
	a, err := types.DecodeAction(payload)
	require.NoError(t, err)
	return a
}

func readClose(t *testing.T, client net.Conn) ws.StatusCode {
	t.Helper()
	op, payload := readServer(t, client)
	require.Equal(t, ws.OpClose, op)
	code, _ := ws.ParseCloseFrameData(payload)
	return code
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestGenuineFrameIsStoredAndEnqueued(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, _ := fx.dial(t)

	sendFrame(t, client, "Obama")

	waitFor(t, func() bool { return len(fx.pub.published(broker.QueueClientsData)) == 1 })
	env, err := types.DecodeFrameEnvelope(fx.pub.published(broker.QueueClientsData)[0])
	require.NoError(t, err)
	// The gateway lowercases the claimed name.
	assert.Equal(t, "obama", env.ClientName)
	assert.True(t, strings.HasPrefix(env.ObjectKey, "frames/obama/"))
	assert.Equal(t, "face-frames", env.Bucket)
	assert.Equal(t, "image/jpeg", env.ContentType)
	assert.Equal(t, "minio", env.StorageProvider)
	assert.Greater(t, env.FrameSizeBytes, int64(0))

	require.Equal(t, 1, fx.frames.count())
	assert.Equal(t, "image/jpeg", fx.frames.puts[0].contentType)

	sess, ok := fx.server.registry.get("obama")
	require.True(t, ok)
	assert.Equal(t, StateLive, sess.State())
}

func TestPausedClientGetsWarningAndStaysConnected(t *testing.T) {
	fx := newFixture(t, allowAll{})
	_, _ = fx.status.AddTo(context.Background(), statusstore.FieldPaused, "obama")
	client, _ := fx.dial(t)

	sendFrame(t, client, "obama")
	a := readAction(t, client)
	assert.Equal(t, types.Warning, a.Action)
	assert.Equal(t, types.ReasonPaused, a.Reason)
	assert.Empty(t, fx.pub.published(broker.QueueClientsData))

	// The socket is still usable.
	sendFrame(t, client, "obama")
	a = readAction(t, client)
	assert.Equal(t, types.ReasonPaused, a.Reason)
}

func TestBlockedClientIsClosedWithPolicyCode(t *testing.T) {
	fx := newFixture(t, allowAll{})
	_, _ = fx.status.AddTo(context.Background(), statusstore.FieldBlocked, "obama")
	client, wg := fx.dial(t)

	sendFrame(t, client, "obama")
	a := readAction(t, client)
	assert.Equal(t, types.SignOut, a.Action)
	assert.Equal(t, types.ReasonBlocked, a.Reason)
	assert.Equal(t, ClosePolicy, readClose(t, client))
	wg.Wait()
}

func TestUnknownClientIsNotAvailable(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, _ := fx.dial(t)

	sendFrame(t, client, "stranger")
	a := readAction(t, client)
	assert.Equal(t, types.ActionErr, a.Action)
	assert.Equal(t, types.ReasonNotAvailable, a.Reason)
	assert.Equal(t, ClosePolicy, readClose(t, client))
}

func TestRateLimitedSecondClientCloses4003(t *testing.T) {
	// MaxClients=1: first client fills the window, second is denied.
	lim := ratelimiter.New(ratelimiter.Config{MaxClients: 1, Window: time.Minute, Logger: zerolog.Nop()})
	t.Cleanup(lim.Stop)
	fx := newFixture(t, lim)

	first, _ := fx.dial(t)
	sendFrame(t, first, "obama")
	waitFor(t, func() bool { return len(fx.pub.published(broker.QueueClientsData)) == 1 })

	second, wg := fx.dial(t)
	sendFrame(t, second, "biden")
	a := readAction(t, second)
	assert.Equal(t, types.ActionErr, a.Action)
	assert.Equal(t, types.ReasonRateLimitExceeded, a.Reason)
	assert.Equal(t, CloseRateLimited, readClose(t, second))
	wg.Wait()

	// Only the first client's frame went through.
	assert.Len(t, fx.pub.published(broker.QueueClientsData), 1)
}

func TestIdentityMismatchClosesSession(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, _ := fx.dial(t)

	sendFrame(t, client, "obama")
	waitFor(t, func() bool { return len(fx.pub.published(broker.QueueClientsData)) == 1 })

	sendFrame(t, client, "biden")
	assert.Equal(t, ClosePolicy, readClose(t, client))
}

func TestStorageFailureCloses1011(t *testing.T) {
	fx := newFixture(t, allowAll{})
	fx.frames.err = errors.New("store down")
	client, _ := fx.dial(t)

	sendFrame(t, client, "obama")
	assert.Equal(t, ws.StatusCode(CloseStorage), readClose(t, client))
}

func TestBadImagePayloadKeepsSession(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, _ := fx.dial(t)

	require.NoError(t, wsutil.WriteClientMessage(client, ws.OpText,
		[]byte(`{"user_name":"obama","image":"not base64!"}`)))

	// The bad frame is ignored; a good one afterwards still flows.
	sendFrame(t, client, "obama")
	waitFor(t, func() bool { return len(fx.pub.published(broker.QueueClientsData)) == 1 })
	assert.Equal(t, 1, fx.frames.count())
}

func TestActiveSetMirrorsSessionLifecycle(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, wg := fx.dial(t)

	sendFrame(t, client, "obama")
	waitFor(t, func() bool {
		ok, _ := fx.status.Contains(context.Background(), statusstore.FieldActive, "obama")
		return ok
	})

	client.Close()
	wg.Wait()
	ok, _ := fx.status.Contains(context.Background(), statusstore.FieldActive, "obama")
	assert.False(t, ok)
}

func TestHandleActionDeliversToSocket(t *testing.T) {
	fx := newFixture(t, allowAll{})
	client, _ := fx.dial(t)
	sendFrame(t, client, "obama")
	waitFor(t, func() bool { return fx.server.registry.count() == 1 })

	action := types.Action{ClientName: "obama", Action: types.LockScreen, Reason: types.ReasonWrongUser}
	body, err := action.Serialize()
	require.NoError(t, err)

	done := make(chan broker.AckDecision, 1)
	go func() { done <- fx.server.HandleAction(context.Background(), body) }()

	got := readAction(t, client)
	assert.Equal(t, types.LockScreen, got.Action)
	assert.Equal(t, broker.Ack, <-done)
}

func TestHandleActionRequeuesWhenSocketMissing(t *testing.T) {
	fx := newFixture(t, allowAll{})
	action := types.Action{ClientName: "ghost", Action: types.LockScreen}
	body, err := action.Serialize()
	require.NoError(t, err)
	assert.Equal(t, broker.Requeue, fx.server.HandleAction(context.Background(), body))
}

func TestHandleActionDropsBadPayload(t *testing.T) {
	fx := newFixture(t, allowAll{})
	assert.Equal(t, broker.Drop, fx.server.HandleAction(context.Background(), []byte("junk")))
}

// Package fuser turns branch verdicts into enforcement actions. The
// face and phone branches are independently conclusive, so the fuser
// keeps no correlation table and tolerates verdicts arriving in any
// order. Non-trivial actions are additionally enriched into saved
// actions: the frame is rehydrated, the offending bbox drawn, and the
// annotated snapshot published for the audit writer.
package fuser

import (
	"context"
	"image/color"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/storage"
	"github.com/sentinelvision/sentinel/internal/types"
)

type objectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type publisher interface {
	PublishQueue(ctx context.Context, queue string, body []byte) error
}

// Fuser consumes both result queues and emits actions.
type Fuser struct {
	store  objectStore
	pub    publisher
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a fuser.
func New(store objectStore, pub publisher, logger zerolog.Logger) *Fuser {
	return &Fuser{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("component", "fuser").Logger(),
		now:    time.Now,
	}
}

// deriveFace applies the face decision table.
func deriveFace(v *types.FaceVerdict) (types.ActionCode, types.ReasonCode) {
	switch {
	case v.ProcessingError != "":
		return types.ActionErr, types.ReasonEmpty
	case v.FaceBBox == nil:
		return types.LockScreen, types.ReasonNoFace
	case v.CheckSpoof != nil && *v.CheckSpoof:
		return types.SignOut, types.ReasonSpoofImage
	case v.CheckClient != nil && !*v.CheckClient:
		return types.LockScreen, types.ReasonWrongUser
	default:
		return types.NoAction, types.ReasonEmpty
	}
}

// derivePhone applies the phone decision table.
func derivePhone(v *types.PhoneVerdict) (types.ActionCode, types.ReasonCode) {
	switch {
	case v.ProcessingError != "":
		return types.NoAction, types.ReasonEmpty
	case v.PhoneBBox != nil:
		return types.SignOut, types.ReasonPhoneDetection
	default:
		return types.NoAction, types.ReasonEmpty
	}
}

// HandleFace is the face_pipeline_results consumer handler. The face
// branch always emits its action, NO_ACTION included, so a healthy
// quiet client still observes liveness.
func (f *Fuser) HandleFace(ctx context.Context, body []byte) broker.AckDecision {
	v, err := types.DecodeFaceVerdict(body)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Undecodable face verdict dropped")
		return broker.Drop
	}

	code, reason := deriveFace(v)
	action := f.buildAction(v.ClientName, v.SendTime, code, reason)
	if err := f.publishAction(ctx, "face", action); err != nil {
		return broker.Drop
	}

	// Error verdicts release the frame without an audit trail.
	if code != types.NoAction && v.ProcessingError == "" {
		f.saveAction(ctx, action, v.Bucket, v.ObjectKey, v.FaceBBox, imaging.FaceBoxColor, "green")
	}
	return broker.Ack
}

// HandlePhone is the phone_pipeline_results consumer handler. The
// phone branch suppresses NO_ACTION so a clear frame does not emit a
// duplicate ok alongside the face branch's.
func (f *Fuser) HandlePhone(ctx context.Context, body []byte) broker.AckDecision {
	v, err := types.DecodePhoneVerdict(body)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Undecodable phone verdict dropped")
		return broker.Drop
	}

	code, reason := derivePhone(v)
	if code == types.NoAction {
		actionsTotal.WithLabelValues("phone", code.String(), reason.String()).Inc()
		return broker.Ack
	}

	action := f.buildAction(v.ClientName, v.SendTime, code, reason)
	if err := f.publishAction(ctx, "phone", action); err != nil {
		return broker.Drop
	}
	f.saveAction(ctx, action, v.Bucket, v.ObjectKey, v.PhoneBBox, imaging.PhoneBoxColor, "red")
	return broker.Ack
}

func (f *Fuser) buildAction(client, sendTime string, code types.ActionCode, reason types.ReasonCode) *types.Action {
	return &types.Action{
		ClientName: client,
		Action:     code,
		Reason:     reason,
		SendTime:   sendTime,
		FinishTime: types.Stamp(f.now()),
	}
}

func (f *Fuser) publishAction(ctx context.Context, branch string, action *types.Action) error {
	data, err := action.Serialize()
	if err != nil {
		f.logger.Error().Err(err).Msg("Action encode failed")
		return err
	}
	if err := f.pub.PublishQueue(ctx, broker.QueueActions, data); err != nil {
		f.logger.Error().Err(err).Str("client", action.ClientName).Msg("Action publish failed")
		return err
	}
	actionsTotal.WithLabelValues(branch, action.Action.String(), action.Reason.String()).Inc()
	f.logger.Debug().
		Str("client", action.ClientName).
		Str("action", action.Action.String()).
		Str("reason", action.Reason.String()).
		Msg("Action emitted")
	return nil
}

// saveAction enriches a non-trivial action with the annotated frame
// and publishes it for the audit writer. Enrichment is best-effort:
// the lightweight action already went out, and the frame may have
// expired from the store by now.
func (f *Fuser) saveAction(ctx context.Context, action *types.Action, bucket, objectKey string, box *types.BBox, c color.Color, colorName string) {
	saved := &types.SavedAction{
		Action:    *action,
		Bucket:    bucket,
		ObjectKey: objectKey,
		SavePath:  storage.SavedActionKey(action.Action, action.Reason, action.ClientName, f.now()),
		BBox:      box,
		BBoxColor: colorName,
	}

	if objectKey != "" {
		data, err := f.store.Get(ctx, objectKey)
		if err != nil {
			f.logger.Warn().Err(err).Str("object_key", objectKey).Msg("Saved action frame hydration failed")
		} else if img, err := imaging.Decode(data); err != nil {
			f.logger.Warn().Err(err).Str("object_key", objectKey).Msg("Saved action frame decode failed")
		} else {
			if box != nil {
				img = imaging.Annotate(img, *box, c)
			}
			b64, err := imaging.EncodeBase64JPEG(img)
			if err != nil {
				f.logger.Warn().Err(err).Msg("Saved action encode failed")
			} else {
				saved.ImageB64 = b64
			}
		}
	}

	data, err := saved.Serialize()
	if err != nil {
		f.logger.Error().Err(err).Msg("Saved action encode failed")
		return
	}
	if err := f.pub.PublishQueue(ctx, broker.QueueSavedActions, data); err != nil {
		f.logger.Error().Err(err).Str("client", action.ClientName).Msg("Saved action publish failed")
		return
	}
	savedActionsTotal.WithLabelValues(action.Action.String()).Inc()
}

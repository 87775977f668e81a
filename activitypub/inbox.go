package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/events"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
	"github.com/deemkeen/fedletic/util"
)

const maxInboxBody = 1 << 20

var errTargetNotLocal = errors.New("object is not a local actor")

// Inbox authenticates and stores inbound activities. Processing happens later on the
// worker, so a POST is acknowledged as soon as the activity is durable.
type Inbox struct {
	db       *db.DB
	verifier *Verifier
	wake     func()
	log      *zap.Logger
}

// NewInbox builds the inbox boundary. wake, if set, is called after a new activity was queued.
func NewInbox(database *db.DB, verifier *Verifier, wake func()) *Inbox {
	return &Inbox{
		db:       database,
		verifier: verifier,
		wake:     wake,
		log:      logging.WithComponent("inbox"),
	}
}

// HandleInbox serves POST /users/:name/inbox (addressed set) and POST /inbox (addressed nil).
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, addressed *domain.Actor) {
	ctx, span := telemetry.StartSpan(r.Context(), "inbox.receive")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboxBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	verification, err := in.verifier.Verify(ctx, r, body)
	switch {
	case errors.Is(err, ErrUnknownActor):
		in.log.Info("Rejected activity from unknown actor", zap.String("key_id", verification.KeyID), zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, "unknown actor")
		return
	case errors.Is(err, ErrMalformedSignature), errors.Is(err, ErrMissingHeader):
		writeJSONError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		in.log.Error("Signature verification failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	case !verification.Valid:
		writeJSONError(w, http.StatusForbidden, verification.Reason)
		return
	}

	activity, err := domain.ParseActivity(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if util.CanonicalURL(activity.ActorURL) != util.CanonicalURL(verification.Actor.ActorURL) {
		in.log.Warn("Activity actor does not match signer",
			zap.String("actor", activity.ActorURL), zap.String("signer", verification.Actor.ActorURL))
		writeJSONError(w, http.StatusForbidden, "actor does not match signature")
		return
	}
	activity.ActorURL = verification.Actor.ActorURL
	activity.ActorId = verification.Actor.Id
	activity.IsRemote = true

	queued, err := in.Ingest(ctx, activity, addressed)
	if errors.Is(err, errTargetNotLocal) {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		in.log.Error("Failed to store activity", zap.String("activity", activity.ID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	telemetry.ActivityReceived(ctx, activity.Type)

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Activity received"})

	if queued && in.wake != nil {
		in.wake()
	}
}

// Ingest stores a verified activity and queues its processing in one transaction.
// It reports false when the activity id was already known.
func (in *Inbox) Ingest(ctx context.Context, activity *domain.Activity, addressed *domain.Actor) (bool, error) {
	var queued bool
	err := in.db.RunInTx(ctx, func(tx *db.DB) error {
		target, err := resolveTarget(ctx, tx, activity, addressed)
		if err != nil {
			return err
		}
		if target != nil {
			activity.TargetId = uuid.NullUUID{UUID: target.Id, Valid: true}
		}

		_, created, err := tx.InsertActivity(ctx, activity)
		if err != nil {
			return err
		}
		if !created {
			in.log.Debug("Duplicate activity ignored", zap.String("activity", activity.ID))
			return nil
		}
		queued, err = tx.EnqueueTask(ctx, domain.TaskProcess, activity.ID, "")
		return err
	})
	if err != nil {
		return false, err
	}
	if queued {
		in.log.Info("Activity received",
			zap.String("type", activity.Type), zap.String("activity", activity.ID), zap.String("actor", activity.ActorURL))
	}
	return queued, nil
}

// resolveTarget picks the local actor an inbound activity is about.
func resolveTarget(ctx context.Context, tx *db.DB, activity *domain.Activity, addressed *domain.Actor) (*domain.Actor, error) {
	switch activity.Type {
	case domain.TypeFollow:
		target, err := readLocalActor(ctx, tx, activity.ObjectID())
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errTargetNotLocal, activity.ObjectID())
		}
		return target, nil

	case domain.TypeAccept:
		if follow, ok := embeddedFollow(activity); ok {
			if follower, err := readLocalActor(ctx, tx, follow.ActorURL); err == nil {
				return follower, nil
			}
		}
		if f, err := tx.ReadFollowByActivity(ctx, activity.ObjectID()); err == nil {
			return tx.ReadActorById(ctx, f.ActorId)
		}

	case domain.TypeUndo:
		if follow, ok := embeddedFollow(activity); ok {
			if target, err := readLocalActor(ctx, tx, follow.ObjectID()); err == nil {
				return target, nil
			}
		}
	}
	return addressed, nil
}

func readLocalActor(ctx context.Context, tx *db.DB, actorURL string) (*domain.Actor, error) {
	actor, err := tx.ReadActorByURL(ctx, util.CanonicalURL(actorURL))
	if err != nil {
		return nil, err
	}
	if actor.IsRemote {
		return nil, errTargetNotLocal
	}
	return actor, nil
}

// embeddedFollow returns the Follow carried inline as the activity's object.
func embeddedFollow(activity *domain.Activity) (*domain.Activity, bool) {
	if activity.ObjectType() != domain.TypeFollow {
		return nil, false
	}
	follow, err := domain.ParseActivity(activity.ObjectJSON)
	if err != nil {
		return nil, false
	}
	return follow, true
}

// Processor applies the protocol side effects of stored inbound activities.
type Processor struct {
	db      *db.DB
	bus     *events.Bus
	baseURL string
	log     *zap.Logger
}

func NewProcessor(database *db.DB, bus *events.Bus, conf *util.AppConfig) *Processor {
	bus.Declare(events.ActivityProcessed)
	return &Processor{
		db:      database,
		bus:     bus,
		baseURL: conf.BaseURL(),
		log:     logging.WithComponent("inbox"),
	}
}

// Process applies the activity inside one transaction and then fires the "activity"
// event. Running it twice for the same activity leaves the same state behind.
func (p *Processor) Process(ctx context.Context, activityID string) error {
	ctx, span := telemetry.StartSpan(ctx, "inbox.process")
	defer span.End()
	log := logging.WithActivity("inbox", activityID)

	activity, err := p.db.ReadActivity(ctx, activityID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return err
	}

	err = p.db.RunInTx(ctx, func(tx *db.DB) error {
		switch activity.Type {
		case domain.TypeFollow:
			return p.applyFollow(ctx, tx, activity)
		case domain.TypeAccept:
			return p.applyAccept(ctx, tx, activity)
		case domain.TypeUndo:
			return p.applyUndo(ctx, tx, activity)
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to process %s %s: %w", activity.Type, activityID, err)
	}
	log.Debug("Activity processed", zap.String("type", activity.Type))

	return p.bus.Fire(ctx, events.ActivityProcessed, events.Event{Name: events.ActivityProcessed, ActivityID: activityID})
}

// applyFollow auto-approves: the edge is stored accepted and an Accept is queued for the sender.
func (p *Processor) applyFollow(ctx context.Context, tx *db.DB, follow *domain.Activity) error {
	if !follow.TargetId.Valid {
		return fmt.Errorf("%w: follow without local target", domain.ErrInvalidActivity)
	}
	target, err := tx.ReadActorById(ctx, follow.TargetId.UUID)
	if err != nil {
		return err
	}
	if target.IsRemote {
		return fmt.Errorf("%w: follow of remote actor %s", domain.ErrInvalidActivity, target.ActorURL)
	}

	if _, err := tx.UpsertFollow(ctx, &domain.Follow{
		ActorId:     follow.ActorId,
		TargetId:    target.Id,
		ActivityURI: follow.ID,
		Accepted:    true,
	}); err != nil {
		return err
	}

	accept, err := p.newAccept(target, follow)
	if err != nil {
		return err
	}
	stored, created, err := tx.InsertActivity(ctx, accept)
	if err != nil {
		return err
	}
	if !created {
		// already answered; its publish task was queued together with it
		return nil
	}
	if _, err := tx.EnqueueTask(ctx, domain.TaskPublish, stored.ID, ""); err != nil {
		return err
	}
	p.log.Info("Accepted follow",
		zap.String("follower", follow.ActorURL), zap.String("target", target.Webfinger), zap.String("accept", stored.ID))
	return nil
}

// AcceptID derives the id of the Accept answering followID, so reprocessing reuses it.
func AcceptID(baseURL, followID string) string {
	return baseURL + "/activities/" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("accept:"+followID)).String()
}

func (p *Processor) newAccept(target *domain.Actor, follow *domain.Activity) (*domain.Activity, error) {
	object := follow.RawActivity
	if len(object) == 0 {
		var err error
		if object, err = follow.ToJSON(); err != nil {
			return nil, err
		}
	}
	to, err := json.Marshal([]string{follow.ActorURL})
	if err != nil {
		return nil, err
	}
	return &domain.Activity{
		ID:               AcceptID(p.baseURL, follow.ID),
		ActorId:          target.Id,
		ActorURL:         target.ActorURL,
		TargetId:         uuid.NullUUID{UUID: follow.ActorId, Valid: true},
		Type:             domain.TypeAccept,
		ObjectJSON:       object,
		AdditionalFields: map[string]json.RawMessage{"to": to},
	}, nil
}

// applyAccept marks our outgoing follow of the sender as accepted.
func (p *Processor) applyAccept(ctx context.Context, tx *db.DB, accept *domain.Activity) error {
	var follower *domain.Actor
	followURI := accept.ObjectID()

	if follow, ok := embeddedFollow(accept); ok {
		if util.CanonicalURL(follow.ObjectID()) != util.CanonicalURL(accept.ActorURL) {
			p.log.Warn("Accept for a follow of someone else ignored",
				zap.String("activity", accept.ID), zap.String("object", follow.ObjectID()))
			return nil
		}
		if actor, err := readLocalActor(ctx, tx, follow.ActorURL); err == nil {
			follower = actor
		}
	}
	if follower == nil {
		f, err := tx.ReadFollowByActivity(ctx, followURI)
		if errors.Is(err, db.ErrNotFound) {
			p.log.Info("Accept for unknown follow ignored", zap.String("activity", accept.ID), zap.String("object", followURI))
			return nil
		}
		if err != nil {
			return err
		}
		if f.TargetId != accept.ActorId {
			p.log.Warn("Accept from an actor that was not followed ignored", zap.String("activity", accept.ID))
			return nil
		}
		if follower, err = tx.ReadActorById(ctx, f.ActorId); err != nil {
			return err
		}
	}

	_, err := tx.UpsertFollow(ctx, &domain.Follow{
		ActorId:     follower.Id,
		TargetId:    accept.ActorId,
		ActivityURI: followURI,
		Accepted:    true,
	})
	if err == nil {
		p.log.Info("Follow accepted", zap.String("follower", follower.Webfinger), zap.String("target", accept.ActorURL))
	}
	return err
}

// applyUndo removes the sender's follow edge. Undoing an edge that does not exist is fine.
func (p *Processor) applyUndo(ctx context.Context, tx *db.DB, undo *domain.Activity) error {
	var targetId uuid.UUID

	if follow, ok := embeddedFollow(undo); ok {
		if util.CanonicalURL(follow.ActorURL) != util.CanonicalURL(undo.ActorURL) {
			p.log.Warn("Undo of a follow by someone else ignored", zap.String("activity", undo.ID))
			return nil
		}
		target, err := tx.ReadActorByURL(ctx, util.CanonicalURL(follow.ObjectID()))
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		targetId = target.Id
	} else if undo.ObjectURI != "" {
		f, err := tx.ReadFollowByActivity(ctx, undo.ObjectURI)
		switch {
		case err == nil:
			if f.ActorId != undo.ActorId {
				return nil
			}
			targetId = f.TargetId
		case errors.Is(err, db.ErrNotFound):
			// the edge keeps the id of the first Follow; a re-follow is only found
			// through the stored activity
			follow, err := tx.ReadActivity(ctx, undo.ObjectURI)
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if follow.Type != domain.TypeFollow || follow.ActorId != undo.ActorId || !follow.TargetId.Valid {
				return nil
			}
			targetId = follow.TargetId.UUID
		default:
			return err
		}
	} else {
		// Undo of something other than a Follow
		return nil
	}

	removed, err := tx.DeleteFollow(ctx, undo.ActorId, targetId)
	if err != nil {
		return err
	}
	if removed {
		p.log.Info("Follow removed", zap.String("follower", undo.ActorURL))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeActivityJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

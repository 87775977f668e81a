package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
	"github.com/deemkeen/fedletic/util"
)

const maxLoggedResponse = 4 << 10

// Publisher delivers locally originated activities to remote inboxes.
type Publisher struct {
	db      *db.DB
	dir     *Directory
	client  *http.Client
	baseURL string
	wake    func()
	now     func() time.Time
	log     *zap.Logger
}

// NewPublisher builds a publisher. wake, if set, is called whenever publish tasks were queued.
func NewPublisher(database *db.DB, dir *Directory, client *http.Client, conf *util.AppConfig, wake func()) *Publisher {
	return &Publisher{
		db:      database,
		dir:     dir,
		client:  client,
		baseURL: conf.BaseURL(),
		wake:    wake,
		now:     time.Now,
		log:     logging.WithComponent("outbox"),
	}
}

// Publish signs and POSTs one stored local activity. The destination is the inbox of the
// activity's target when it has one, inboxURL otherwise. A remote server answering
// non-2xx is logged and treated as done; transport errors are returned for retry.
func (p *Publisher) Publish(ctx context.Context, activityID, inboxURL string) error {
	ctx, span := telemetry.StartSpan(ctx, "outbox.publish")
	defer span.End()

	activity, err := p.db.ReadActivity(ctx, activityID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return err
	}
	if activity.IsRemote {
		return fmt.Errorf("%w: %s", ErrRemoteOrigin, activityID)
	}

	dest := inboxURL
	if activity.TargetId.Valid {
		target, err := p.db.ReadActorById(ctx, activity.TargetId.UUID)
		if err != nil {
			return err
		}
		if !target.IsRemote {
			p.log.Debug("Target is local, nothing to deliver", zap.String("activity", activityID))
			return nil
		}
		dest = target.InboxURL
	}
	if dest == "" {
		return fmt.Errorf("%w: %s", ErrMissingDestination, activityID)
	}

	signer, err := p.db.ReadActorById(ctx, activity.ActorId)
	if err != nil {
		return err
	}

	// the signed digest covers exactly these bytes
	body, err := activity.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	headers, err := Sign(signer, dest, body, p.now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	req.Header.Set("Accept", ContentTypeActivityJSON)
	req.Header.Set("User-Agent", util.UserAgent())
	headers.Apply(req)

	resp, err := p.client.Do(req)
	if err != nil {
		telemetry.Delivered(ctx, "error")
		return fmt.Errorf("request to %s failed: %w", dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedResponse))
		telemetry.Delivered(ctx, "rejected")
		p.log.Warn("Remote server rejected activity",
			zap.String("activity", activityID),
			zap.String("inbox", dest),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return nil
	}

	telemetry.Delivered(ctx, "ok")
	p.log.Info("Delivered activity",
		zap.String("type", activity.Type), zap.String("activity", activityID),
		zap.String("inbox", dest), zap.Int("status", resp.StatusCode))
	return nil
}

// FanOut queues one publish task per distinct inbox of the author's accepted remote
// followers and returns the number of inboxes.
func (p *Publisher) FanOut(ctx context.Context, activityID string) (int, error) {
	activity, err := p.db.ReadActivity(ctx, activityID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	if err != nil {
		return 0, err
	}
	if activity.IsRemote {
		return 0, fmt.Errorf("%w: %s", ErrRemoteOrigin, activityID)
	}

	var inboxes []string
	err = p.db.RunInTx(ctx, func(tx *db.DB) error {
		var err error
		if inboxes, err = tx.ReadFollowerInboxes(ctx, activity.ActorId); err != nil {
			return err
		}
		for _, inbox := range inboxes {
			if _, err := tx.EnqueueTask(ctx, domain.TaskPublish, activityID, inbox); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.log.Info("Fanned out activity", zap.String("activity", activityID), zap.Int("inboxes", len(inboxes)))
	p.notify(len(inboxes) > 0)
	return len(inboxes), nil
}

// Follow sends a Follow from local to the actor behind handle. The edge stays pending
// until the remote side answers with Accept.
func (p *Publisher) Follow(ctx context.Context, local *domain.Actor, handle string) (*domain.Activity, error) {
	target, err := p.dir.ResolveHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !target.IsRemote || target.Id == local.Id {
		return nil, fmt.Errorf("%w: %s is not a remote actor", ErrInvalidHandle, handle)
	}

	to, _ := json.Marshal([]string{target.ActorURL})
	follow := &domain.Activity{
		ID:               p.newActivityID(),
		ActorId:          local.Id,
		ActorURL:         local.ActorURL,
		TargetId:         uuid.NullUUID{UUID: target.Id, Valid: true},
		Type:             domain.TypeFollow,
		ObjectURI:        target.ActorURL,
		AdditionalFields: map[string]json.RawMessage{"to": to},
	}

	err = p.db.RunInTx(ctx, func(tx *db.DB) error {
		if _, _, err := tx.InsertActivity(ctx, follow); err != nil {
			return err
		}
		if _, err := tx.UpsertFollow(ctx, &domain.Follow{
			ActorId:     local.Id,
			TargetId:    target.Id,
			ActivityURI: follow.ID,
		}); err != nil {
			return err
		}
		_, err := tx.EnqueueTask(ctx, domain.TaskPublish, follow.ID, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("Follow requested", zap.String("follower", local.Webfinger), zap.String("target", target.Webfinger))
	p.notify(true)
	return follow, nil
}

// Unfollow removes the edge local -> handle and sends Undo(Follow).
func (p *Publisher) Unfollow(ctx context.Context, local *domain.Actor, handle string) (*domain.Activity, error) {
	target, err := p.dir.ResolveHandle(ctx, handle)
	if err != nil {
		return nil, err
	}

	var undo *domain.Activity
	err = p.db.RunInTx(ctx, func(tx *db.DB) error {
		edge, err := tx.ReadFollow(ctx, local.Id, target.Id)
		if err != nil {
			return err
		}

		object, err := p.followObject(ctx, tx, edge, local, target)
		if err != nil {
			return err
		}
		to, _ := json.Marshal([]string{target.ActorURL})
		undo = &domain.Activity{
			ID:               p.newActivityID(),
			ActorId:          local.Id,
			ActorURL:         local.ActorURL,
			TargetId:         uuid.NullUUID{UUID: target.Id, Valid: true},
			Type:             domain.TypeUndo,
			ObjectJSON:       object,
			AdditionalFields: map[string]json.RawMessage{"to": to},
		}
		if _, _, err := tx.InsertActivity(ctx, undo); err != nil {
			return err
		}
		if _, err := tx.DeleteFollow(ctx, local.Id, target.Id); err != nil {
			return err
		}
		_, err = tx.EnqueueTask(ctx, domain.TaskPublish, undo.ID, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("Unfollowed", zap.String("follower", local.Webfinger), zap.String("target", target.Webfinger))
	p.notify(true)
	return undo, nil
}

// followObject returns the Follow being undone, as originally sent when we still have it.
func (p *Publisher) followObject(ctx context.Context, tx *db.DB, edge *domain.Follow, local, target *domain.Actor) (json.RawMessage, error) {
	if edge.ActivityURI != "" {
		if original, err := tx.ReadActivity(ctx, edge.ActivityURI); err == nil {
			return original.ToJSON()
		}
	}
	return json.Marshal(map[string]string{
		"id":     edge.ActivityURI,
		"type":   domain.TypeFollow,
		"actor":  local.ActorURL,
		"object": target.ActorURL,
	})
}

// Create stores a public Create wrapping object, authored by local, and fans it out.
func (p *Publisher) Create(ctx context.Context, local *domain.Actor, object json.RawMessage) (*domain.Activity, error) {
	to, _ := json.Marshal([]string{domain.PublicCollection})
	cc, _ := json.Marshal([]string{local.FollowersURL})
	published, _ := json.Marshal(p.now().UTC().Format(time.RFC3339))

	create := &domain.Activity{
		ID:         p.newActivityID(),
		ActorId:    local.Id,
		ActorURL:   local.ActorURL,
		Type:       domain.TypeCreate,
		ObjectJSON: object,
		AdditionalFields: map[string]json.RawMessage{
			"to":        to,
			"cc":        cc,
			"published": published,
		},
	}
	if _, _, err := p.db.InsertActivity(ctx, create); err != nil {
		return nil, err
	}
	if _, err := p.FanOut(ctx, create.ID); err != nil {
		return nil, err
	}
	return create, nil
}

func (p *Publisher) newActivityID() string {
	return p.baseURL + "/activities/" + uuid.New().String()
}

func (p *Publisher) notify(queued bool) {
	if queued && p.wake != nil {
		p.wake()
	}
}

// Package workouts stores workouts that arrive through federation and announces
// locally recorded ones to followers.
package workouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/events"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/util"
)

var ErrForeignWorkout = errors.New("workout is attributed to another actor")

type Service struct {
	db        *db.DB
	publisher *activitypub.Publisher
	baseURL   string
	now       func() time.Time
	log       *zap.Logger
}

func NewService(database *db.DB, publisher *activitypub.Publisher, conf *util.AppConfig) *Service {
	return &Service{
		db:        database,
		publisher: publisher,
		baseURL:   conf.BaseURL(),
		now:       time.Now,
		log:       logging.WithComponent("workouts"),
	}
}

// Register subscribes the service to processed activities.
func (s *Service) Register(bus *events.Bus) (uint64, error) {
	return bus.Register(events.ActivityProcessed, s.HandleActivity)
}

// HandleActivity imports the Workout carried by a remote Create. Other activities are ignored.
func (s *Service) HandleActivity(ctx context.Context, ev events.Event) error {
	activity, err := s.db.ReadActivity(ctx, ev.ActivityID)
	if err != nil {
		return err
	}
	if !activity.IsRemote || activity.Type != domain.TypeCreate || activity.ObjectType() != "Workout" {
		return nil
	}

	workout, err := domain.WorkoutFromObject(activity.ObjectJSON)
	if err != nil {
		return fmt.Errorf("failed to read workout in %s: %w", activity.ID, err)
	}

	var attributedTo string
	if err := activity.ObjectField("attributedTo", &attributedTo); err == nil &&
		util.CanonicalURL(attributedTo) != util.CanonicalURL(activity.ActorURL) {
		return fmt.Errorf("%s: %w", workout.ObjectURI, ErrForeignWorkout)
	}
	workout.ActorId = activity.ActorId

	stored, err := s.db.UpsertWorkout(ctx, workout)
	if err != nil {
		return err
	}
	if stored.ActorId != activity.ActorId {
		return fmt.Errorf("%s: %w", workout.ObjectURI, ErrForeignWorkout)
	}

	s.log.Info("Imported workout",
		zap.String("workout", stored.ObjectURI),
		zap.String("kind", stored.Kind.String()),
		zap.String("actor", activity.ActorURL))
	return nil
}

// Publish records a workout for a local actor and announces it to followers as a public Note.
func (s *Service) Publish(ctx context.Context, author *domain.Actor, workout *domain.Workout) (*domain.Activity, error) {
	if author.IsRemote {
		return nil, fmt.Errorf("%w: %s", activitypub.ErrRemoteOrigin, author.ActorURL)
	}
	if workout.Details == nil {
		workout.Details = domain.OtherDetails{}
	}
	workout.Kind = workout.Details.Kind()
	workout.ActorId = author.Id
	if workout.ObjectURI == "" {
		workout.ObjectURI = s.baseURL + "/workouts/" + uuid.New().String()
	}
	if workout.StartTime.IsZero() {
		workout.StartTime = s.now().UTC()
	}

	stored, err := s.db.UpsertWorkout(ctx, workout)
	if err != nil {
		return nil, err
	}
	if stored.ActorId != author.Id {
		return nil, fmt.Errorf("%s: %w", workout.ObjectURI, ErrForeignWorkout)
	}

	object, err := NoteObject(stored, author)
	if err != nil {
		return nil, err
	}
	create, err := s.publisher.Create(ctx, author, object)
	if err != nil {
		return nil, err
	}

	s.log.Info("Published workout",
		zap.String("workout", stored.ObjectURI), zap.String("activity", create.ID), zap.String("actor", author.Webfinger))
	return create, nil
}

// NoteObject renders the workout as a Note. The fedletic extension fields are informational
// only; HandleActivity imports objects typed Workout, never Notes.
func NoteObject(w *domain.Workout, author *domain.Actor) (json.RawMessage, error) {
	note, err := domain.PublicNote(w.ObjectURI, author, w.Describe(), w.StartTime).ToObject()
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(note, &doc); err != nil {
		return nil, err
	}
	details, err := json.Marshal(w.Details)
	if err != nil {
		return nil, err
	}
	var ext map[string]json.RawMessage
	if err := json.Unmarshal(details, &ext); err != nil {
		return nil, err
	}
	for k, v := range ext {
		doc["fedletic:"+k] = v
	}
	doc["name"], _ = json.Marshal(w.Name)
	doc["fedletic:workout_type"], _ = json.Marshal(w.Kind.String())
	doc["fedletic:duration"], _ = json.Marshal(int64(w.Duration / time.Second))
	doc["fedletic:distance_in_meters"], _ = json.Marshal(w.DistanceMeters)
	doc["fedletic:start_time"], _ = json.Marshal(w.StartTime.UTC().Format(time.RFC3339))
	return json.Marshal(doc)
}

package workouts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deemkeen/fedletic/activitypub"
	"github.com/deemkeen/fedletic/db"
	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/events"
	"github.com/deemkeen/fedletic/util"
)

type fixture struct {
	conf      *util.AppConfig
	db        *db.DB
	bus       *events.Bus
	publisher *activitypub.Publisher
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conf := util.NewTestConfig("example.com")
	conf.Conf.MediaDir = ""
	publisher := activitypub.NewPublisher(database, nil, http.DefaultClient, conf, nil)

	f := &fixture{
		conf:      conf,
		db:        database,
		bus:       events.NewBus(),
		publisher: publisher,
		service:   NewService(database, publisher, conf),
	}
	f.bus.Declare(events.ActivityProcessed)
	_, err = f.service.Register(f.bus)
	require.NoError(t, err)
	return f
}

func (f *fixture) remoteActor(t *testing.T, name, inbox string) *domain.Actor {
	t.Helper()
	actorURL := "https://remote.example/users/" + name
	if inbox == "" {
		inbox = actorURL + "/inbox"
	}
	a, err := f.db.UpsertRemoteActor(context.Background(), &domain.Actor{
		Webfinger:    name + "@remote.example",
		ActorURL:     actorURL,
		InboxURL:     inbox,
		PublicKeyPem: "unused",
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) deliverCreate(t *testing.T, actor *domain.Actor, id string, object map[string]any) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	_, _, err = f.db.InsertActivity(context.Background(), &domain.Activity{
		ID:         id,
		ActorId:    actor.Id,
		ActorURL:   actor.ActorURL,
		Type:       domain.TypeCreate,
		ObjectJSON: raw,
		IsRemote:   true,
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Fire(context.Background(), events.ActivityProcessed, events.Event{ActivityID: id}))
}

func workoutObject(id, author string) map[string]any {
	return map[string]any{
		"id":                          id,
		"type":                        "Workout",
		"attributedTo":                author,
		"name":                        "Evening ride",
		"fedletic:workout_type":       "cycling",
		"fedletic:duration":           3600,
		"fedletic:distance_in_meters": 30000,
		"fedletic:elevation_gain":     420,
		"fedletic:start_time":         "2024-05-01T17:00:00Z",
	}
}

func TestImportsRemoteWorkout(t *testing.T) {
	f := newFixture(t)
	bob := f.remoteActor(t, "bob", "")
	ctx := context.Background()

	objectID := "https://remote.example/workouts/1"
	f.deliverCreate(t, bob, "https://remote.example/activities/1", workoutObject(objectID, bob.ActorURL))

	w, err := f.db.ReadWorkoutByObjectURI(ctx, objectID)
	require.NoError(t, err)
	assert.Equal(t, bob.Id, w.ActorId)
	assert.Equal(t, domain.WorkoutCycling, w.Kind)
	assert.Equal(t, time.Hour, w.Duration)
	assert.Equal(t, 30000.0, w.DistanceMeters)
	details, ok := w.Details.(domain.CyclingDetails)
	require.True(t, ok)
	assert.Equal(t, 420.0, details.ElevationGain)

	// an update from the author replaces the values
	updated := workoutObject(objectID, bob.ActorURL)
	updated["fedletic:distance_in_meters"] = 31000
	f.deliverCreate(t, bob, "https://remote.example/activities/2", updated)
	w, err = f.db.ReadWorkoutByObjectURI(ctx, objectID)
	require.NoError(t, err)
	assert.Equal(t, 31000.0, w.DistanceMeters)
}

func TestIgnoresForeignWorkouts(t *testing.T) {
	f := newFixture(t)
	bob := f.remoteActor(t, "bob", "")
	mallory := f.remoteActor(t, "mallory", "")
	ctx := context.Background()

	objectID := "https://remote.example/workouts/2"
	f.deliverCreate(t, bob, "https://remote.example/activities/3", workoutObject(objectID, bob.ActorURL))

	// mallory may neither claim bob's workout nor overwrite it
	hijack := workoutObject(objectID, mallory.ActorURL)
	hijack["fedletic:distance_in_meters"] = 1
	f.deliverCreate(t, mallory, "https://remote.example/activities/4", hijack)

	activity, err := f.db.ReadActivity(ctx, "https://remote.example/activities/4")
	require.NoError(t, err)
	err = f.service.HandleActivity(ctx, events.Event{ActivityID: activity.ID})
	assert.True(t, errors.Is(err, ErrForeignWorkout))

	reattributed := workoutObject(objectID, bob.ActorURL)
	reattributed["fedletic:distance_in_meters"] = 2
	raw, _ := json.Marshal(reattributed)
	_, _, err = f.db.InsertActivity(ctx, &domain.Activity{
		ID: "https://remote.example/activities/5", ActorId: mallory.Id, ActorURL: mallory.ActorURL,
		Type: domain.TypeCreate, ObjectJSON: raw, IsRemote: true,
	})
	require.NoError(t, err)
	err = f.service.HandleActivity(ctx, events.Event{ActivityID: "https://remote.example/activities/5"})
	assert.True(t, errors.Is(err, ErrForeignWorkout))

	w, err := f.db.ReadWorkoutByObjectURI(ctx, objectID)
	require.NoError(t, err)
	assert.Equal(t, bob.Id, w.ActorId)
	assert.Equal(t, 30000.0, w.DistanceMeters)
}

func TestIgnoresOtherActivities(t *testing.T) {
	f := newFixture(t)
	bob := f.remoteActor(t, "bob", "")

	f.deliverCreate(t, bob, "https://remote.example/activities/6", map[string]any{
		"id": "https://remote.example/notes/6", "type": "Note", "content": "hello",
	})

	workouts, err := f.db.ReadWorkoutsByActor(context.Background(), bob.Id, 10)
	require.NoError(t, err)
	assert.Empty(t, workouts)
}

type inboxRecorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *inboxRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func TestPublishAnnouncesWorkout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &inboxRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	alice, err := activitypub.CreateLocalActor(ctx, f.db, f.conf, "alice", "Alice")
	require.NoError(t, err)
	bob := f.remoteActor(t, "bob", srv.URL+"/inbox")
	_, err = f.db.UpsertFollow(ctx, &domain.Follow{ActorId: bob.Id, TargetId: alice.Id, Accepted: true})
	require.NoError(t, err)

	create, err := f.service.Publish(ctx, alice, &domain.Workout{
		Name:           "Long run",
		Duration:       50 * time.Minute,
		DistanceMeters: 10000,
		Details:        domain.RunningDetails{PaceAvg: 300},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeCreate, create.Type)

	workouts, err := f.db.ReadWorkoutsByActor(ctx, alice.Id, 10)
	require.NoError(t, err)
	require.Len(t, workouts, 1)
	assert.Equal(t, domain.WorkoutRunning, workouts[0].Kind)
	assert.Equal(t, workouts[0].ObjectURI, create.ObjectID())

	var content string
	require.NoError(t, create.ObjectField("content", &content))
	assert.Equal(t, "Ran 10.0 km in 50m0s at 5:00/km", content)
	var kind string
	require.NoError(t, create.ObjectField("fedletic:workout_type", &kind))
	assert.Equal(t, "running", kind)

	worker := activitypub.NewWorker(f.db, f.conf)
	worker.Handle(domain.TaskPublish, f.publisher.HandleTask)
	count, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.bodies, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(rec.bodies[0], &sent))
	assert.Equal(t, create.ID, sent["id"])
	object := sent["object"].(map[string]any)
	assert.Equal(t, "Note", object["type"])
	assert.Equal(t, alice.ActorURL, object["attributedTo"])
}

func TestPublishRejectsRemoteAuthor(t *testing.T) {
	f := newFixture(t)
	bob := f.remoteActor(t, "bob", "")

	_, err := f.service.Publish(context.Background(), bob, &domain.Workout{Name: "x"})
	assert.True(t, errors.Is(err, activitypub.ErrRemoteOrigin))
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const fedleticPrefix = "fedletic:"

var ErrNotAWorkout = errors.New("object is not a workout")

type WorkoutKind int

const (
	WorkoutOther WorkoutKind = iota
	WorkoutRunning
	WorkoutCycling
	WorkoutSwimming
	WorkoutAlpineSkiing
	WorkoutWalking
)

var workoutKindNames = map[WorkoutKind]string{
	WorkoutOther:        "other",
	WorkoutRunning:      "running",
	WorkoutCycling:      "cycling",
	WorkoutSwimming:     "swimming",
	WorkoutAlpineSkiing: "alpine_skiing",
	WorkoutWalking:      "walking",
}

func (k WorkoutKind) String() string {
	if name, ok := workoutKindNames[k]; ok {
		return name
	}
	return "other"
}

// ParseWorkoutKind maps unknown names to WorkoutOther.
func ParseWorkoutKind(s string) WorkoutKind {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range workoutKindNames {
		if name == s {
			return k
		}
	}
	return WorkoutOther
}

// WorkoutDetails is the kind-specific part of a workout, fixed when the workout is created.
type WorkoutDetails interface {
	Kind() WorkoutKind
}

type RunningDetails struct {
	PaceAvg       int     `json:"pace_avg,omitempty"`  // seconds per km
	PaceBest      int     `json:"pace_best,omitempty"` // seconds per km
	CadenceAvg    int     `json:"cadence_avg,omitempty"`
	ElevationGain float64 `json:"elevation_gain,omitempty"`
}

type CyclingDetails struct {
	SpeedAvg      float64 `json:"speed_avg,omitempty"` // m/s
	SpeedMax      float64 `json:"speed_max,omitempty"` // m/s
	PowerAvg      int     `json:"power_avg,omitempty"`
	CadenceAvg    int     `json:"cadence_avg,omitempty"`
	ElevationGain float64 `json:"elevation_gain,omitempty"`
	ElevationLoss float64 `json:"elevation_loss,omitempty"`
}

type SwimmingDetails struct {
	PaceAvg    int     `json:"pace_avg,omitempty"` // seconds per 100m
	PoolLength float64 `json:"pool_length,omitempty"`
	Strokes    int     `json:"strokes,omitempty"`
}

type AlpineSkiingDetails struct {
	Runs          int     `json:"runs,omitempty"`
	ElevationLoss float64 `json:"elevation_loss,omitempty"`
	SpeedMax      float64 `json:"speed_max,omitempty"`
}

type WalkingDetails struct {
	Steps int `json:"steps,omitempty"`
}

type OtherDetails struct{}

func (RunningDetails) Kind() WorkoutKind      { return WorkoutRunning }
func (CyclingDetails) Kind() WorkoutKind      { return WorkoutCycling }
func (SwimmingDetails) Kind() WorkoutKind     { return WorkoutSwimming }
func (AlpineSkiingDetails) Kind() WorkoutKind { return WorkoutAlpineSkiing }
func (WalkingDetails) Kind() WorkoutKind      { return WorkoutWalking }
func (OtherDetails) Kind() WorkoutKind        { return WorkoutOther }

// DecodeWorkoutDetails builds the typed details for kind from a JSON object.
func DecodeWorkoutDetails(kind WorkoutKind, raw []byte) (WorkoutDetails, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var err error
	switch kind {
	case WorkoutRunning:
		var d RunningDetails
		err = json.Unmarshal(raw, &d)
		return d, err
	case WorkoutCycling:
		var d CyclingDetails
		err = json.Unmarshal(raw, &d)
		return d, err
	case WorkoutSwimming:
		var d SwimmingDetails
		err = json.Unmarshal(raw, &d)
		return d, err
	case WorkoutAlpineSkiing:
		var d AlpineSkiingDetails
		err = json.Unmarshal(raw, &d)
		return d, err
	case WorkoutWalking:
		var d WalkingDetails
		err = json.Unmarshal(raw, &d)
		return d, err
	default:
		return OtherDetails{}, nil
	}
}

type Workout struct {
	Id             uuid.UUID
	ObjectURI      string
	ActorId        uuid.UUID
	Name           string
	Summary        string
	Kind           WorkoutKind
	StartTime      time.Time
	Duration       time.Duration
	DistanceMeters float64
	Details        WorkoutDetails
	CreatedAt      time.Time
}

// WorkoutFromObject reads a federated Workout object. Extension fields live in the
// fedletic namespace, e.g. "fedletic:workout_type".
func WorkoutFromObject(raw []byte) (*Workout, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workout object: %w", err)
	}

	var objType string
	_ = json.Unmarshal(doc["type"], &objType)
	if objType != "Workout" {
		return nil, ErrNotAWorkout
	}

	w := &Workout{Name: "Imported Workout"}
	if err := json.Unmarshal(doc["id"], &w.ObjectURI); err != nil || w.ObjectURI == "" {
		return nil, fmt.Errorf("workout object has no id")
	}
	if v, ok := doc["name"]; ok {
		_ = json.Unmarshal(v, &w.Name)
	}
	if v, ok := doc["content"]; ok {
		_ = json.Unmarshal(v, &w.Summary)
	}
	if v, ok := doc["published"]; ok {
		var published string
		if json.Unmarshal(v, &published) == nil {
			if t, err := time.Parse(time.RFC3339, published); err == nil {
				w.StartTime = t
			}
		}
	}

	ext := make(map[string]json.RawMessage)
	for k, v := range doc {
		if name, ok := strings.CutPrefix(k, fedleticPrefix); ok {
			ext[name] = v
		}
	}

	var kindName string
	_ = json.Unmarshal(ext["workout_type"], &kindName)
	w.Kind = ParseWorkoutKind(kindName)

	var seconds float64
	if json.Unmarshal(ext["duration"], &seconds) == nil {
		w.Duration = time.Duration(seconds * float64(time.Second))
	}
	_ = json.Unmarshal(ext["distance_in_meters"], &w.DistanceMeters)
	if v, ok := ext["start_time"]; ok {
		var start string
		if json.Unmarshal(v, &start) == nil {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				w.StartTime = t
			}
		}
	}

	extJSON, err := json.Marshal(ext)
	if err != nil {
		return nil, err
	}
	details, err := DecodeWorkoutDetails(w.Kind, extJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid %s details: %w", w.Kind, err)
	}
	w.Details = details
	return w, nil
}

// Describe renders the one-line summary used as the content of the workout's Note.
func (w *Workout) Describe() string {
	if w.Summary != "" {
		return w.Summary
	}
	verb := map[WorkoutKind]string{
		WorkoutRunning:      "Ran",
		WorkoutCycling:      "Rode",
		WorkoutSwimming:     "Swam",
		WorkoutAlpineSkiing: "Skied",
		WorkoutWalking:      "Walked",
	}[w.Kind]
	if verb == "" {
		verb = "Worked out"
	}

	parts := []string{verb}
	if w.DistanceMeters > 0 {
		parts = append(parts, fmt.Sprintf("%.1f km", w.DistanceMeters/1000))
	}
	if w.Duration > 0 {
		parts = append(parts, "in "+w.Duration.Round(time.Second).String())
	}
	switch d := w.Details.(type) {
	case CyclingDetails:
		if d.ElevationGain > 100 {
			parts = append(parts, fmt.Sprintf("climbing %.0fm", d.ElevationGain))
		}
	case RunningDetails:
		if d.PaceAvg > 0 {
			parts = append(parts, fmt.Sprintf("at %d:%02d/km", d.PaceAvg/60, d.PaceAvg%60))
		}
	}
	return strings.Join(parts, " ")
}

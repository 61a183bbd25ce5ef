// Package status holds the pure rules for deriving and rolling up entity
// status, progress, risk and indicator achievement.
package status

import (
	"fmt"
	"math"
	"time"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

// Status is the primary stored state of an entity.
type Status string

const (
	NotStarted Status = "not-started"
	InProgress Status = "in-progress"
	Completed  Status = "completed"
)

// Validate checks if s is a known status.
func (s Status) Validate() error {
	switch s {
	case NotStarted, InProgress, Completed:
		return nil
	default:
		return fmt.Errorf("invalid status: %q", s)
	}
}

// Risk is the advisory risk level of an entity.
type Risk string

const (
	RiskNone     Risk = "none"
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

var riskOrder = []Risk{RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical}

func (r Risk) rank() int {
	for i, v := range riskOrder {
		if v == r {
			return i
		}
	}
	return 0
}

func (r Risk) escalate() Risk {
	if i := r.rank(); i < len(riskOrder)-1 {
		return riskOrder[i+1]
	}
	return RiskCritical
}

// Validate checks if r is a known risk level.
func (r Risk) Validate() error {
	for _, v := range riskOrder {
		if v == r {
			return nil
		}
	}
	return fmt.Errorf("invalid risk level: %q", r)
}

// Label is the reporting-layer classification derived from stored fields.
// It is never stored as a primary state.
type Label string

const (
	LabelNotStarted Label = "not-started"
	LabelOnTrack    Label = "on-track"
	LabelAtRisk     Label = "at-risk"
	LabelDelayed    Label = "delayed"
	LabelOffTrack   Label = "off-track"
	LabelCompleted  Label = "completed"
)

// RiskThresholds maps schedule deviation (days behind plan) and velocity
// (actual / planned progress rate) onto risk levels.
type RiskThresholds struct {
	LowDays      int     `yaml:"low_days"`
	MediumDays   int     `yaml:"medium_days"`
	HighDays     int     `yaml:"high_days"`
	CriticalDays int     `yaml:"critical_days"`
	SlowVelocity float64 `yaml:"slow_velocity"`
}

// DefaultRiskThresholds returns the thresholds used when none are configured.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		LowDays:      1,
		MediumDays:   8,
		HighDays:     31,
		CriticalDays: 61,
		SlowVelocity: 0.5,
	}
}

// Result is the outcome of one recompute for a single entity. AutoProgress
// is the progress before any manual override is applied.
type Result struct {
	AutoStatus   Status
	Status       Status
	AutoProgress float64
	Progress     float64
	Risk         Risk
}

// LeafInput carries the activity fields the leaf rule reads. ProgressHeld
// reports that Progress is the zero written for a manual not-started
// override; AutoProgress then carries the real value.
type LeafInput struct {
	Progress              float64
	ProgressHeld          bool
	AutoProgress          float64
	TasksTotal            int
	TasksCompleted        int
	Manual                *Status
	ScheduleDeviationDays int
	Velocity              float64
}

// ChildState is what a parent reads from one direct child.
type ChildState struct {
	Status   Status
	Progress float64
	Risk     Risk
}

// History is one append-only status transition record.
type History struct {
	ID        int64       `json:"id"`
	Ref       entity.Ref  `json:"ref"`
	OldStatus Status      `json:"old_status"`
	NewStatus Status      `json:"new_status"`
	ChangedAt time.Time   `json:"changed_at"`
	ChangedBy actor.Actor `json:"changed_by"`
}

// LeafProgress returns the activity progress: the task completion ratio when
// tasks are tracked, otherwise the recorded percentage, or the retained
// automatic progress while an override holds the recorded one at zero.
func LeafProgress(in LeafInput) float64 {
	if in.TasksTotal > 0 {
		done := min(max(in.TasksCompleted, 0), in.TasksTotal)
		return round2(float64(done) / float64(in.TasksTotal) * 100)
	}
	if in.ProgressHeld {
		return round2(in.AutoProgress)
	}
	return round2(in.Progress)
}

// ProgressHeld reports whether stored fields show a progress forced to zero
// by a manual not-started override over a started automatic status.
func ProgressHeld(stored, storedAuto Status, progress float64) bool {
	return stored == NotStarted && storedAuto != NotStarted && progress == 0
}

// DeriveAuto maps progress onto the automatic status and returns the
// normalized progress (exactly 100 when completed, exactly 0 when not started).
func DeriveAuto(progress float64) (Status, float64) {
	progress = round2(progress)
	switch {
	case progress >= 100:
		return Completed, 100
	case progress > 0:
		return InProgress, progress
	default:
		return NotStarted, 0
	}
}

// DeriveLeaf computes status, progress and risk for an activity.
func DeriveLeaf(in LeafInput, th RiskThresholds) Result {
	auto, progress := DeriveAuto(LeafProgress(in))
	res := Result{AutoStatus: auto, Status: auto, AutoProgress: progress, Progress: progress}
	applyManual(&res, in.Manual)
	res.Risk = AssessRisk(res.Status, in.ScheduleDeviationDays, in.Velocity, th)
	return res
}

// DeriveParent computes an ancestor's aggregate from its direct children.
// An empty children slice yields not-started with zero progress.
func DeriveParent(children []ChildState, manual *Status) Result {
	statuses := make([]Status, len(children))
	progress := make([]float64, len(children))
	risks := make([]Risk, len(children))
	for i, c := range children {
		statuses[i] = c.Status
		progress[i] = c.Progress
		risks[i] = c.Risk
	}

	auto := Aggregate(statuses)
	mean := MeanProgress(progress)
	res := Result{
		AutoStatus:   auto,
		Status:       auto,
		AutoProgress: mean,
		Progress:     mean,
		Risk:         RollupRisk(risks),
	}
	applyManual(&res, manual)
	return res
}

// applyManual makes a manual override the displayed status. A manual
// not-started clears the displayed progress; AutoProgress keeps the value.
func applyManual(res *Result, manual *Status) {
	if manual == nil || manual.Validate() != nil {
		return
	}
	res.Status = *manual
	if *manual == NotStarted {
		res.Progress = 0
	}
}

// Aggregate applies the rollup precedence: all completed -> completed,
// all not-started (or none) -> not-started, any other mix -> in-progress.
func Aggregate(children []Status) Status {
	if len(children) == 0 {
		return NotStarted
	}
	allDone, allIdle := true, true
	for _, s := range children {
		if s != Completed {
			allDone = false
		}
		if s != NotStarted {
			allIdle = false
		}
	}
	switch {
	case allDone:
		return Completed
	case allIdle:
		return NotStarted
	default:
		return InProgress
	}
}

// MeanProgress is the unweighted arithmetic mean, rounded to two decimals.
func MeanProgress(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return round2(sum / float64(len(values)))
}

// RollupRisk returns the highest child risk.
func RollupRisk(risks []Risk) Risk {
	out := RiskNone
	for _, r := range risks {
		if r.rank() > out.rank() {
			out = r
		}
	}
	return out
}

// AssessRisk derives an advisory risk level. Completed entities carry no risk.
// A known velocity below th.SlowVelocity escalates in-progress work one level.
func AssessRisk(s Status, deviationDays int, velocity float64, th RiskThresholds) Risk {
	if s == Completed {
		return RiskNone
	}

	risk := RiskNone
	switch {
	case deviationDays >= th.CriticalDays:
		risk = RiskCritical
	case deviationDays >= th.HighDays:
		risk = RiskHigh
	case deviationDays >= th.MediumDays:
		risk = RiskMedium
	case deviationDays >= th.LowDays && deviationDays > 0:
		risk = RiskLow
	}

	if s == InProgress && velocity > 0 && velocity < th.SlowVelocity {
		risk = risk.escalate()
	}
	return risk
}

// Classify derives the reporting label from stored fields.
func Classify(s Status, risk Risk, deviationDays int) Label {
	switch {
	case s == Completed:
		return LabelCompleted
	case risk == RiskHigh || risk == RiskCritical:
		return LabelOffTrack
	case deviationDays > 0:
		return LabelDelayed
	case risk == RiskMedium:
		return LabelAtRisk
	case s == NotStarted:
		return LabelNotStarted
	default:
		return LabelOnTrack
	}
}

// Achievement returns current/target*100 rounded to two decimals, or 0 when
// the target is not positive. Over-achievement is not capped.
func Achievement(current, target float64) float64 {
	if target <= 0 {
		return 0
	}
	return max(round2(current/target*100), 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

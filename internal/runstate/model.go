// Package runstate is the authoritative run and consortium state of the
// central authority: the run state machine, its persistence and the events it
// emits on every transition.
package runstate

import (
	"errors"
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusProvisioning RunStatus = "provisioning"
	StatusInProgress   RunStatus = "in_progress"
	StatusComplete     RunStatus = "complete"
	StatusError        RunStatus = "error"
)

// Role is the part a member plays in one run.
type Role string

const (
	RoleContributor Role = "contributor"
	RoleObserver    Role = "observer"
)

// ErrNotFound is returned by stores for unknown runs or consortia.
var ErrNotFound = errors.New("runstate: not found")

// transitions lists the allowed status moves. Nothing leaves complete.
var transitions = map[RunStatus][]RunStatus{
	StatusProvisioning: {StatusInProgress, StatusError},
	StatusInProgress:   {StatusComplete, StatusError},
	StatusError:        {StatusInProgress, StatusComplete, StatusError},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	return slices.Contains(transitions[from], to)
}

// StudyConfiguration is the computation a consortium runs.
type StudyConfiguration struct {
	ComputationID    string          `json:"computation_id" yaml:"computation_id"`
	ComputationImage string          `json:"computation_image" yaml:"computation_image"`
	Parameters       map[string]any  `json:"parameters,omitempty" yaml:"parameters"`
	LeaderNotes      string          `json:"leader_notes,omitempty" yaml:"leader_notes"`
	MemberRoles      map[string]Role `json:"member_roles,omitempty" yaml:"member_roles"`
}

// Configured reports whether a computation has been selected.
func (c StudyConfiguration) Configured() bool {
	return c.ComputationID != "" || c.ComputationImage != ""
}

// RoleOf returns the declared role of a member and whether one was declared.
// Callers treat an undeclared role as contributor.
func (c StudyConfiguration) RoleOf(userID string) (Role, bool) {
	r, ok := c.MemberRoles[userID]
	return r, ok
}

func (c StudyConfiguration) clone() StudyConfiguration {
	out := c
	if c.Parameters != nil {
		out.Parameters = cloneMap(c.Parameters)
	}
	if c.MemberRoles != nil {
		out.MemberRoles = make(map[string]Role, len(c.MemberRoles))
		for k, v := range c.MemberRoles {
			out.MemberRoles[k] = v
		}
	}
	return out
}

// RunError is one error reported against a run.
type RunError struct {
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution of a consortium's computation.
type Run struct {
	ID                 string             `json:"id"`
	ConsortiumID       string             `json:"consortium_id"`
	StudyConfiguration StudyConfiguration `json:"study_configuration"`
	Members            []string           `json:"members"`
	Status             RunStatus          `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	LastUpdated        time.Time          `json:"last_updated"`
	Errors             []RunError         `json:"errors"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

// IsMember reports whether userID is in the run's member snapshot.
func (r *Run) IsMember(userID string) bool {
	return slices.Contains(r.Members, userID)
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	out := *r
	out.StudyConfiguration = r.StudyConfiguration.clone()
	out.Members = slices.Clone(r.Members)
	out.Errors = slices.Clone(r.Errors)
	if r.Metadata != nil {
		out.Metadata = cloneMap(r.Metadata)
	}
	return &out
}

// Consortium is a long-lived collaboration reused across runs.
type Consortium struct {
	ID                 string             `json:"id" yaml:"id"`
	Title              string             `json:"title" yaml:"title"`
	Leader             string             `json:"leader" yaml:"leader"`
	Members            []string           `json:"members" yaml:"members"`
	ActiveMembers      []string           `json:"active_members" yaml:"active_members"`
	ReadyMembers       []string           `json:"ready_members" yaml:"ready_members"`
	StudyConfiguration StudyConfiguration `json:"study_configuration" yaml:"study_configuration"`
	LatestRunID        string             `json:"latest_run_id,omitempty" yaml:"-"`
}

// IsMember reports whether userID belongs to the consortium.
func (c *Consortium) IsMember(userID string) bool {
	return c.Leader == userID || slices.Contains(c.Members, userID)
}

// Clone returns a deep copy.
func (c *Consortium) Clone() *Consortium {
	out := *c
	out.Members = slices.Clone(c.Members)
	out.ActiveMembers = slices.Clone(c.ActiveMembers)
	out.ReadyMembers = slices.Clone(c.ReadyMembers)
	out.StudyConfiguration = c.StudyConfiguration.clone()
	return &out
}

// cloneMap deep-copies nested maps and slices produced by JSON decoding.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

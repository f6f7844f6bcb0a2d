package coordinator

import (
	"fmt"

	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/node/role"
)

// CentralStart is the payload of run_start.central.
type CentralStart struct {
	RunID            string
	ConsortiumID     string
	Members          []string
	ComputationID    string
	ComputationImage string
	Parameters       map[string]any
	// MemberRoles holds declared roles; undeclared members are contributors.
	MemberRoles map[string]role.Role
}

// RoleOf returns the member's role, defaulting to contributor for legacy
// configurations without a declaration.
func (s CentralStart) RoleOf(member string) role.Role {
	if r, ok := s.MemberRoles[member]; ok {
		return r
	}
	return role.Contributor
}

func ParseCentralStart(ev eventbus.Event) (CentralStart, error) {
	s := CentralStart{
		RunID:            ev.String("run_id"),
		ConsortiumID:     ev.String("consortium_id"),
		Members:          ev.Strings("members"),
		ComputationID:    ev.String("computation_id"),
		ComputationImage: ev.String("computation_image"),
		MemberRoles:      map[string]role.Role{},
	}
	if params, ok := ev.Payload["parameters"].(map[string]any); ok {
		s.Parameters = params
	}
	switch roles := ev.Payload["member_roles"].(type) {
	case map[string]any:
		for user, v := range roles {
			if str, ok := v.(string); ok {
				if r, ok := role.Parse(str); ok {
					s.MemberRoles[user] = r
				}
			}
		}
	case map[string]string:
		for user, str := range roles {
			if r, ok := role.Parse(str); ok {
				s.MemberRoles[user] = r
			}
		}
	}

	if s.RunID == "" || s.ConsortiumID == "" {
		return s, fmt.Errorf("run start event %s lacks run or consortium id", ev.ID)
	}
	if len(s.Members) == 0 {
		return s, fmt.Errorf("run start event for %s lists no members", s.RunID)
	}
	return s, nil
}

// ParticipantStart is the payload of run_start.participant.
type ParticipantStart struct {
	UserID           string
	RunID            string
	ConsortiumID     string
	DownloadURL      string
	DownloadToken    string
	ComputationID    string
	ComputationImage string
	// DeclaredRole is empty when central did not declare one.
	DeclaredRole role.Role
}

func ParseParticipantStart(ev eventbus.Event) (ParticipantStart, error) {
	s := ParticipantStart{
		UserID:           ev.String("user_id"),
		RunID:            ev.String("run_id"),
		ConsortiumID:     ev.String("consortium_id"),
		DownloadURL:      ev.String("download_url"),
		DownloadToken:    ev.String("download_token"),
		ComputationID:    ev.String("computation_id"),
		ComputationImage: ev.String("computation_image"),
	}
	if str := ev.String("role"); str != "" {
		if r, ok := role.Parse(str); ok {
			s.DeclaredRole = r
		}
	}
	if s.RunID == "" || s.ConsortiumID == "" {
		return s, fmt.Errorf("run start event %s lacks run or consortium id", ev.ID)
	}
	if s.DownloadURL == "" || s.DownloadToken == "" {
		return s, fmt.Errorf("run start event for %s lacks a download url or token", s.RunID)
	}
	return s, nil
}

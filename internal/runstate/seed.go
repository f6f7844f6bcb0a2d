package runstate

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Consortia []*Consortium `yaml:"consortia"`
}

// LoadConsortiaFile reads consortia from a YAML seed file:
//
//	consortia:
//	  - id: c1
//	    leader: alice
//	    members: [alice, bob]
//	    active_members: [alice, bob]
//	    study_configuration:
//	      computation_image: registry/fedavg:1.2
//	      member_roles: {bob: observer}
func LoadConsortiaFile(path string) ([]*Consortium, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consortia file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse consortia file: %w", err)
	}
	for i, c := range f.Consortia {
		if c == nil || c.ID == "" || c.Leader == "" {
			return nil, fmt.Errorf("consortium #%d: id and leader are required", i)
		}
		for user, role := range c.StudyConfiguration.MemberRoles {
			if role != RoleContributor && role != RoleObserver {
				return nil, fmt.Errorf("consortium %s: member %s has unknown role %q", c.ID, user, role)
			}
		}
	}
	return f.Consortia, nil
}

// Seed saves consortia into store, keeping the latest run pointer of any
// consortium that already exists.
func Seed(ctx context.Context, store Store, consortia []*Consortium) error {
	for _, c := range consortia {
		if existing, err := store.GetConsortium(ctx, c.ID); err == nil {
			c.LatestRunID = existing.LatestRunID
		}
		if err := store.SaveConsortium(ctx, c); err != nil {
			return fmt.Errorf("seed consortium %s: %w", c.ID, err)
		}
	}
	return nil
}

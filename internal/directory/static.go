package directory

import (
	"context"
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// StaticSource is an in-memory Source for tests and the single-node
// development profile: a fixed map of users, manager edges and role
// memberships, no network calls.
type StaticSource struct {
	Users    map[string]entity.UserSnapshot
	Managers map[string]string // userID -> managerID
	Roles    map[string][]string
	Fail     map[string]bool // userID -> force lookup failure, for degradation tests
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		Users:    make(map[string]entity.UserSnapshot),
		Managers: make(map[string]string),
		Roles:    make(map[string][]string),
		Fail:     make(map[string]bool),
	}
}

func (s *StaticSource) Lookup(_ context.Context, userID string) (entity.UserSnapshot, error) {
	if s.Fail[userID] {
		return entity.UserSnapshot{}, fmt.Errorf("static directory: forced failure for %q", userID)
	}
	u, ok := s.Users[userID]
	if !ok {
		return entity.UserSnapshot{}, fmt.Errorf("static directory: no such user %q", userID)
	}
	return u, nil
}

func (s *StaticSource) LookupManager(ctx context.Context, userID string) (entity.UserSnapshot, error) {
	managerID, ok := s.Managers[userID]
	if !ok {
		return entity.UserSnapshot{}, fmt.Errorf("static directory: no manager for %q", userID)
	}
	return s.Lookup(ctx, managerID)
}

func (s *StaticSource) LookupByRole(_ context.Context, role string) ([]entity.UserSnapshot, error) {
	ids := s.Roles[role]
	out := make([]entity.UserSnapshot, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.Users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

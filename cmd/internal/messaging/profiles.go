//go:generate go run go.uber.org/mock/mockgen -source=profiles.go -destination=mocks/mock_profiles.go -package=mocks
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Profile is the display summary of a user.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ProfileDirectory resolves display summaries. The real directory lives outside this service.
type ProfileDirectory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// StaticDirectory is an in-memory ProfileDirectory.
// Unknown ids resolve to a placeholder profile named after the id.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticDirectory constructs a directory seeded with profiles.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// LoadStaticDirectory reads a JSON array of profiles from path.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var profiles []Profile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("decode profiles %s: %w", path, err)
	}
	return NewStaticDirectory(profiles...), nil
}

// Put adds or replaces a profile. Profiles without an id are ignored.
func (d *StaticDirectory) Put(p Profile) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.ID
	}

	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

// Lookup returns the stored profile or a placeholder.
func (d *StaticDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()

	if !ok {
		return Profile{ID: userID, Name: userID}, nil
	}
	return p, nil
}

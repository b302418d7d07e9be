package feed

import (
	"errors"

	"github.com/Nick67672/Gymsta/internal/domain"
)

// ErrUnknownTab is returned by ParseTab for unsupported tab names.
var ErrUnknownTab = errors.New("unknown tab")

// Tab selects the home screen listing.
type Tab string

const (
	TabExplore Tab = "explore"
	TabMyGym   Tab = "my-gym"
)

// ParseTab maps a tab name to a Tab. The empty name means explore.
func ParseTab(name string) (Tab, error) {
	switch Tab(name) {
	case "", TabExplore:
		return TabExplore, nil
	case TabMyGym:
		return TabMyGym, nil
	}
	return "", ErrUnknownTab
}

// ViewState tells an empty listing apart from a viewer without a gym.
type ViewState string

const (
	ViewReady ViewState = "ready"
	ViewEmpty ViewState = "empty"
	ViewNoGym ViewState = "no_gym"
)

// View is what a tab displays.
type View struct {
	Tab      Tab              `json:"tab"`
	State    ViewState        `json:"state"`
	Gym      string           `json:"gym,omitempty"`
	Posts    []domain.Post    `json:"posts"`
	Workouts []domain.Workout `json:"workouts,omitempty"`
}

// FilterView derives a tab's listing from already loaded data. Explore shows
// every post; my-gym shows posts whose owner trains at gym plus the gym workouts.
func FilterView(tab Tab, gym string, posts []domain.Post, workouts []domain.Workout) View {
	if tab != TabMyGym {
		v := View{Tab: TabExplore, State: ViewReady, Posts: posts}
		if len(posts) == 0 {
			v.State = ViewEmpty
			v.Posts = []domain.Post{}
		}
		return v
	}

	if gym == "" {
		return View{Tab: TabMyGym, State: ViewNoGym, Posts: []domain.Post{}}
	}

	filtered := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if p.Owner.Gym == gym {
			filtered = append(filtered, p)
		}
	}
	v := View{Tab: TabMyGym, State: ViewReady, Gym: gym, Posts: filtered, Workouts: workouts}
	if len(filtered) == 0 && len(workouts) == 0 {
		v.State = ViewEmpty
	}
	return v
}

package model

import "fmt"

// SwipeAction is the action bound to a swipe on the floating action button.
type SwipeAction string

// Supported swipe actions.
const (
	SwipeNone         SwipeAction = "none"
	SwipeRefresh      SwipeAction = "refresh"
	SwipeNewThread    SwipeAction = "new_thread"
	SwipeScrollTop    SwipeAction = "scroll_top"
	SwipeScrollBottom SwipeAction = "scroll_bottom"
	SwipeOpenSettings SwipeAction = "open_settings"
)

// Valid reports whether a is one of the supported swipe actions.
func (a SwipeAction) Valid() bool {
	switch a {
	case SwipeNone, SwipeRefresh, SwipeNewThread, SwipeScrollTop, SwipeScrollBottom, SwipeOpenSettings:
		return true
	}
	return false
}

// FAB size bounds accepted by Preferences.Validate.
const (
	MinFabSize = 1
	MaxFabSize = 100
)

// Preferences holds the UI and session settings consumed by the client.
type Preferences struct {
	CurrentSection string      `json:"current_section"`
	CookieInUse    string      `json:"cookie_in_use"`
	FabEnabled     bool        `json:"fab_enabled"`
	FabDefaultSize bool        `json:"fab_default_size"`
	FabSize        int         `json:"fab_size"`
	SwipeUp        SwipeAction `json:"swipe_up"`
	SwipeDown      SwipeAction `json:"swipe_down"`
	SwipeLeft      SwipeAction `json:"swipe_left"`
	SwipeRight     SwipeAction `json:"swipe_right"`
}

// DefaultPreferences returns the preferences of a fresh install.
func DefaultPreferences() Preferences {
	return Preferences{
		FabEnabled:     true,
		FabDefaultSize: true,
		FabSize:        56,
		SwipeUp:        SwipeScrollTop,
		SwipeDown:      SwipeRefresh,
		SwipeLeft:      SwipeNone,
		SwipeRight:     SwipeNone,
	}
}

// Validate checks FAB size bounds and swipe actions.
func (p Preferences) Validate() error {
	if p.FabSize < MinFabSize || p.FabSize > MaxFabSize {
		return fmt.Errorf("fab size must be between %d and %d", MinFabSize, MaxFabSize)
	}
	swipes := map[string]SwipeAction{
		"swipe up":    p.SwipeUp,
		"swipe down":  p.SwipeDown,
		"swipe left":  p.SwipeLeft,
		"swipe right": p.SwipeRight,
	}
	for name, a := range swipes {
		if !a.Valid() {
			return fmt.Errorf("invalid %s action %q", name, a)
		}
	}
	return nil
}

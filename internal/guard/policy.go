package guard

import "strings"

// Alert texts shown when a guard blocks an action.
const (
	RefreshAlert    = "You are online. Refreshing the page will end your availability."
	NavigationAlert = "You are online. Navigating away will end your availability."
)

// Policy describes the navigation guards a UI must install for a desk
// session. Every guard is inactive while offline.
type Policy struct {
	BlockUnload  bool `json:"block_unload"`
	BlockRefresh bool `json:"block_refresh"`
	BlockHistory bool `json:"block_history"`
}

func PolicyFor(online bool) Policy {
	return Policy{BlockUnload: online, BlockRefresh: online, BlockHistory: online}
}

// Active reports whether any guard is in force.
func (p Policy) Active() bool {
	return p.BlockUnload || p.BlockRefresh || p.BlockHistory
}

// InterceptKey reports whether a key press must be suppressed, and the
// alert to show. F5 and Ctrl/Cmd+R are refresh keys.
func (p Policy) InterceptKey(key string, ctrl, meta bool) (bool, string) {
	if !p.BlockRefresh {
		return false, ""
	}
	refresh := key == "F5" || ((ctrl || meta) && strings.EqualFold(key, "r"))
	if !refresh {
		return false, ""
	}
	return true, RefreshAlert
}

// InterceptHistory reports whether back/forward navigation must be undone.
func (p Policy) InterceptHistory() (bool, string) {
	if !p.BlockHistory {
		return false, ""
	}
	return true, NavigationAlert
}

package hub

import (
	"sort"

	"github.com/chromedp/cdproto/target"
)

// tabEntry is a tab session announced by the agent.
type tabEntry struct {
	TabID      int
	SessionID  string
	TargetInfo *target.Info

	order    uint64
	children []string
}

// detach is one synthetic detach owed to clients when sessions go away.
// ParentSession is empty for tab sessions.
type detach struct {
	SessionID     string
	ParentSession string
	TargetID      target.ID
	TabID         int
}

// sessions is the hub's view of the agent's live sessions. Children map to
// the tab that owns them, however deeply nested.
type sessions struct {
	tabs     map[string]*tabEntry
	children map[string]*tabEntry
	childTgt map[string]target.ID
	seq      uint64
}

func newSessions() *sessions {
	return &sessions{
		tabs:     make(map[string]*tabEntry),
		children: make(map[string]*tabEntry),
		childTgt: make(map[string]target.ID),
	}
}

// addTab records a tab session, replacing any earlier session for the same tab.
func (s *sessions) addTab(tabID int, sessionID string, info *target.Info) *tabEntry {
	for sid, t := range s.tabs {
		if t.TabID == tabID && sid != sessionID {
			s.removeTab(sid)
		}
	}
	s.seq++
	t := &tabEntry{TabID: tabID, SessionID: sessionID, TargetInfo: info, order: s.seq}
	s.tabs[sessionID] = t
	return t
}

// addChild records child under the tab owning parentSession. It reports false
// when parentSession is unknown.
func (s *sessions) addChild(parentSession, child string, targetID target.ID) (*tabEntry, bool) {
	owner := s.owner(parentSession)
	if owner == nil {
		return nil, false
	}
	if _, dup := s.children[child]; !dup {
		owner.children = append(owner.children, child)
	}
	s.children[child] = owner
	s.childTgt[child] = targetID
	return owner, true
}

// owner returns the tab that sessionID belongs to.
func (s *sessions) owner(sessionID string) *tabEntry {
	if t, ok := s.tabs[sessionID]; ok {
		return t
	}
	return s.children[sessionID]
}

// remove drops sessionID. Removing a tab also drops its children.
func (s *sessions) remove(sessionID string) (tab *tabEntry, wasTab bool) {
	if t, ok := s.tabs[sessionID]; ok {
		s.removeTab(sessionID)
		return t, true
	}
	t, ok := s.children[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.children, sessionID)
	delete(s.childTgt, sessionID)
	for i, c := range t.children {
		if c == sessionID {
			t.children = append(t.children[:i], t.children[i+1:]...)
			break
		}
	}
	return t, false
}

func (s *sessions) removeTab(sessionID string) {
	t := s.tabs[sessionID]
	for _, c := range t.children {
		delete(s.children, c)
		delete(s.childTgt, c)
	}
	delete(s.tabs, sessionID)
}

// byTarget finds the tab whose target id is id.
func (s *sessions) byTarget(id target.ID) *tabEntry {
	for _, t := range s.tabs {
		if t.TargetInfo != nil && t.TargetInfo.TargetID == id {
			return t
		}
	}
	return nil
}

// byTabID finds the tab session for a tab handle.
func (s *sessions) byTabID(tabID int) *tabEntry {
	for _, t := range s.tabs {
		if t.TabID == tabID {
			return t
		}
	}
	return nil
}

// ordered returns the tabs in attach order.
func (s *sessions) ordered() []*tabEntry {
	out := make([]*tabEntry, 0, len(s.tabs))
	for _, t := range s.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// clear empties the tables and returns the detaches owed: every child first,
// then every tab.
func (s *sessions) clear() []detach {
	tabs := s.ordered()
	var out []detach
	for _, t := range tabs {
		for _, c := range t.children {
			out = append(out, detach{SessionID: c, ParentSession: t.SessionID, TargetID: s.childTgt[c], TabID: t.TabID})
		}
	}
	for _, t := range tabs {
		d := detach{SessionID: t.SessionID, TabID: t.TabID}
		if t.TargetInfo != nil {
			d.TargetID = t.TargetInfo.TargetID
		}
		out = append(out, d)
	}
	s.tabs = make(map[string]*tabEntry)
	s.children = make(map[string]*tabEntry)
	s.childTgt = make(map[string]target.ID)
	return out
}

func (s *sessions) count() int { return len(s.tabs) }

package panel

import (
	"slices"

	"margins/internal/anchor"
	"margins/internal/store"
)

type Mode string

const (
	ModeListLoading   Mode = "list_loading"
	ModeList          Mode = "list"
	ModeThreadLoading Mode = "thread_loading"
	ModeThread        Mode = "thread"
	ModeNewThread     Mode = "new_thread"
)

// Draft is the data of a thread being composed.
type Draft struct {
	Context   string
	Selection *anchor.Selection
}

// State is one snapshot of the panel. Which fields are meaningful depends
// on Mode:
//
//	list_loading    PendingThreadID
//	list            Threads, Filter
//	thread_loading  Threads, Filter, Thread
//	thread          Threads, Filter, Thread, Comments
//	new_thread      Threads, Filter, Draft
type State struct {
	Mode            Mode
	PendingThreadID string
	Threads         []store.Thread
	Filter          Filter
	Thread          *store.Thread
	Comments        []store.Comment
	Draft           *Draft
}

func (s State) clone() State {
	out := s
	out.Threads = slices.Clone(s.Threads)
	out.Comments = slices.Clone(s.Comments)
	if s.Thread != nil {
		t := *s.Thread
		out.Thread = &t
	}
	if s.Draft != nil {
		d := *s.Draft
		out.Draft = &d
	}
	return out
}

// Request is a transition asked for by the UI.
type Request struct {
	Mode     Mode
	Filter   Filter
	ThreadID string
	Draft    Draft
}

func ListRequest(filter Filter) Request {
	return Request{Mode: ModeList, Filter: filter}
}

func ThreadRequest(threadID string) Request {
	return Request{Mode: ModeThread, ThreadID: threadID}
}

func NewThreadRequest(context string, selection *anchor.Selection) Request {
	return Request{Mode: ModeNewThread, Draft: Draft{Context: context, Selection: selection}}
}

// Filter narrows the thread list. A nil Filter keeps everything.
type Filter func(store.Thread) bool

// OpenOnly keeps threads whose status is open.
func OpenOnly() Filter {
	return ByStatus(store.StatusOpen)
}

func ByStatus(types ...store.StatusType) Filter {
	return func(t store.Thread) bool {
		return slices.Contains(types, t.Status.Type)
	}
}

// ByContributor keeps threads memberID has commented on.
func ByContributor(memberID string) Filter {
	return func(t store.Thread) bool {
		return t.HasContributor(memberID)
	}
}

func findThread(threads []store.Thread, id string) (store.Thread, bool) {
	i := slices.IndexFunc(threads, func(t store.Thread) bool { return t.ID == id })
	if i < 0 {
		return store.Thread{}, false
	}
	return threads[i], true
}

package common

import (
	"context"
	"slices"
	"sync"

	"github.com/chromedp/cdproto/cdp"
)

// FrameTree indexes the frames of one page by id and keeps the
// parent/child links between them.
type FrameTree struct {
	mu           sync.RWMutex
	frames       map[cdp.FrameID]*Frame
	parentIDs    map[cdp.FrameID]cdp.FrameID
	childIDs     map[cdp.FrameID][]cdp.FrameID
	mainFrame    *Frame
	waitRequests map[cdp.FrameID][]*Deferred[*Frame]
}

// NewFrameTree returns an empty tree.
func NewFrameTree() *FrameTree {
	return &FrameTree{
		frames:       make(map[cdp.FrameID]*Frame),
		parentIDs:    make(map[cdp.FrameID]cdp.FrameID),
		childIDs:     make(map[cdp.FrameID][]cdp.FrameID),
		waitRequests: make(map[cdp.FrameID][]*Deferred[*Frame]),
	}
}

// MainFrame returns the root frame or nil.
func (t *FrameTree) MainFrame() *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.mainFrame
}

// GetByID returns the frame with the id or nil.
func (t *FrameTree) GetByID(id cdp.FrameID) *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.frames[id]
}

// Frames returns the frames in tree order, the main frame first.
func (t *FrameTree) Frames() []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	frames := make([]*Frame, 0, len(t.frames))
	if t.mainFrame == nil {
		return frames
	}
	var walk func(id cdp.FrameID)
	walk = func(id cdp.FrameID) {
		f, ok := t.frames[id]
		if !ok {
			return
		}
		frames = append(frames, f)
		for _, cid := range t.childIDs[id] {
			walk(cid)
		}
	}
	walk(t.mainFrame.ID())

	return frames
}

// Len returns the number of frames in the tree.
func (t *FrameTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.frames)
}

// ChildFrames returns the direct children of the frame with the id.
func (t *FrameTree) ChildFrames(id cdp.FrameID) []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.childIDs[id]
	children := make([]*Frame, 0, len(ids))
	for _, cid := range ids {
		if f, ok := t.frames[cid]; ok {
			children = append(children, f)
		}
	}
	return children
}

// ParentFrame returns the parent of the frame with the id, or nil for
// the main frame and unknown frames.
func (t *FrameTree) ParentFrame(id cdp.FrameID) *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pid, ok := t.parentIDs[id]
	if !ok {
		return nil
	}
	return t.frames[pid]
}

// WaitForFrame returns the frame with the id, waiting for it to be added
// if it is not in the tree yet.
func (t *FrameTree) WaitForFrame(ctx context.Context, id cdp.FrameID) (*Frame, error) {
	t.mu.Lock()
	if f, ok := t.frames[id]; ok {
		t.mu.Unlock()
		return f, nil
	}
	d := NewDeferred[*Frame]()
	t.waitRequests[id] = append(t.waitRequests[id], d)
	t.mu.Unlock()

	f, err := d.Wait(ctx)
	if err != nil {
		t.removeWaitRequest(id, d)
		return nil, err
	}
	return f, nil
}

func (t *FrameTree) removeWaitRequest(id cdp.FrameID, d *Deferred[*Frame]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reqs := t.waitRequests[id]
	for i, r := range reqs {
		if r == d {
			reqs = append(reqs[:i:i], reqs[i+1:]...)
			break
		}
	}
	if len(reqs) == 0 {
		delete(t.waitRequests, id)
		return
	}
	t.waitRequests[id] = reqs
}

func (t *FrameTree) waiting(id cdp.FrameID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.waitRequests[id])
}

// addFrame inserts f under its parent, or as the main frame when it has
// no parent, and wakes up everyone waiting for its id.
func (t *FrameTree) addFrame(f *Frame) {
	id, pid := f.ID(), f.ParentID()

	t.mu.Lock()
	t.frames[id] = f
	if pid != "" {
		t.parentIDs[id] = pid
		if !slices.Contains(t.childIDs[pid], id) {
			t.childIDs[pid] = append(t.childIDs[pid], id)
		}
	} else if t.mainFrame == nil {
		t.mainFrame = f
	}
	reqs := t.waitRequests[id]
	delete(t.waitRequests, id)
	t.mu.Unlock()

	for _, d := range reqs {
		_ = d.Resolve(f)
	}
}

// removeFrame removes f from the tree. Its children must have been
// removed before.
func (t *FrameTree) removeFrame(f *Frame) {
	id := f.ID()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frames[id] != f {
		return
	}
	delete(t.frames, id)
	delete(t.childIDs, id)
	if pid, ok := t.parentIDs[id]; ok {
		delete(t.parentIDs, id)
		if i := slices.Index(t.childIDs[pid], id); i >= 0 {
			t.childIDs[pid] = slices.Delete(t.childIDs[pid], i, i+1)
		}
		if len(t.childIDs[pid]) == 0 {
			delete(t.childIDs, pid)
		}
	}
	if t.mainFrame == f {
		t.mainFrame = nil
	}
}

package verbs

import "github.com/go-ibnet/ibnet/internal/ibnerr"

// CompQueue wraps a provider completion queue with its Queue Tracker and
// the one-shot classification state the original implementation uses to
// distinguish a misconfiguration (first completion ever fails) from a peer
// disconnect (a later one does).
type CompQueue struct {
	provider        Provider
	handle          CQHandle
	tracker         *QueueTracker
	firstCompletion bool
}

func NewCompQueue(provider Provider, handle CQHandle, capacity uint32) *CompQueue {
	return &CompQueue{provider: provider, handle: handle, tracker: NewQueueTracker(capacity), firstCompletion: true}
}

func (c *CompQueue) Tracker() *QueueTracker { return c.tracker }
func (c *CompQueue) Handle() CQHandle       { return c.handle }

// PollForCompletion returns at most one completion per call, never
// batching: the Queue Tracker is the authority on outstanding count, and a
// batched poll would force reconciliation against it. When blocking is
// true, it busy-loops the underlying non-blocking poll until exactly one
// completion is available.
func (c *CompQueue) PollForCompletion(blocking bool) (WorkCompletion, bool, error) {
	for {
		wc, ok, err := c.provider.PollCQ(c.handle, false)
		if err != nil {
			return WorkCompletion{}, false, ibnerr.Wrap("PollCQ", err)
		}
		if !ok {
			if !blocking {
				return WorkCompletion{}, false, nil
			}
			continue
		}
		if !c.tracker.Sub() {
			return wc, true, ibnerr.New("PollForCompletion", ibnerr.CodeInvariant, "completion tracker underrun")
		}
		if wc.Status != StatusSuccess {
			return wc, true, c.classify(wc)
		}
		c.firstCompletion = false
		return wc, true, nil
	}
}

func (c *CompQueue) classify(wc WorkCompletion) error {
	wasFirst := c.firstCompletion
	c.firstCompletion = false
	switch {
	case wc.Status == StatusRetryExceeded && wasFirst:
		return ibnerr.New("PollForCompletion", ibnerr.CodeConfig, "retries exceeded on first completion, check remote QP parameters")
	case wc.Status == StatusRetryExceeded:
		return ibnerr.New("PollForCompletion", ibnerr.CodeDisconnected, "retries exceeded, peer likely disconnected")
	default:
		return ibnerr.New("PollForCompletion", ibnerr.CodeTransientIO, "completion queue reported a non-success status")
	}
}

// Flush blocks until every work request outstanding against this CQ has
// completed, swallowing peer-disconnected and queue-closed completion
// errors along the way (the caller is tearing the queue down, not trying
// to make progress); any other error ends the flush and is returned.
func (c *CompQueue) Flush() error {
	for c.tracker.Current() > 0 {
		if _, _, err := c.PollForCompletion(true); err != nil {
			if !ibnerr.Is(err, ibnerr.CodeDisconnected) && !ibnerr.Is(err, ibnerr.CodeQueueClosed) {
				return err
			}
		}
	}
	return nil
}

package tcpmsg

import (
	"log/slog"
	"sync"
	"time"
)

// syncCorrelator pairs synchronous responses with their waiting requests by
// conversation guid. Waiters get a one-shot channel signalled by the
// receiver; responses nobody registered for sit in the response map until
// retrieved or reaped.
type syncCorrelator struct {
	mu        sync.Mutex
	waiters   map[string]chan *SyncResponse
	responses map[string]*SyncResponse
	log       *slog.Logger
}

func newSyncCorrelator(log *slog.Logger) *syncCorrelator {
	return &syncCorrelator{
		waiters:   make(map[string]chan *SyncResponse),
		responses: make(map[string]*SyncResponse),
		log:       log,
	}
}

// register records intent to wait on guid and returns the wakeup channel.
func (c *syncCorrelator) register(guid string) <-chan *SyncResponse {
	ch := make(chan *SyncResponse, 1)
	c.mu.Lock()
	c.waiters[guid] = ch
	c.mu.Unlock()
	return ch
}

// unregister drops the waiter and any response that raced in after the
// waiter gave up.
func (c *syncCorrelator) unregister(guid string) {
	c.mu.Lock()
	delete(c.waiters, guid)
	delete(c.responses, guid)
	c.mu.Unlock()
}

// deliver routes an inbound sync response. Expired responses are logged and
// dropped; live ones wake their waiter, or park in the response map when no
// waiter has registered.
func (c *syncCorrelator) deliver(resp *SyncResponse) {
	if time.Now().After(resp.Expiration) {
		c.log.Debug("dropping expired sync response", "guid", resp.ConversationGUID, "expiration", resp.Expiration)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[resp.ConversationGUID]; ok {
		select {
		case ch <- resp:
		default:
		}
		delete(c.waiters, resp.ConversationGUID)
		return
	}
	c.responses[resp.ConversationGUID] = resp
}

// take removes and returns a parked response, if any.
func (c *syncCorrelator) take(guid string) *SyncResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := c.responses[guid]
	if resp != nil {
		delete(c.responses, guid)
	}
	return resp
}

// await blocks until the response for guid arrives or the wall clock
// reaches expiration. Session teardown does not cancel the wait; the
// expiration bounds it.
func (c *syncCorrelator) await(guid string, expiration time.Time, ch <-chan *SyncResponse) (*SyncResponse, error) {
	// A response may have parked before the waiter registered.
	if resp := c.take(guid); resp != nil {
		return resp, nil
	}
	timer := time.NewTimer(time.Until(expiration))
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, &SyncError{ConversationGUID: guid, Err: ErrTimeout}
	}
}

// reap drops parked responses whose expiration has passed. Removal is
// log-visible but not an error.
func (c *syncCorrelator) reap(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for guid, resp := range c.responses {
		if now.After(resp.Expiration) {
			delete(c.responses, guid)
			c.log.Debug("reaped expired sync response", "guid", guid, "expiration", resp.Expiration)
			n++
		}
	}
	return n
}

// effectiveExpiration compensates an inbound request's deadline for clock
// skew between sender and receiver:
//
//	effective = stated + (receiver_now - sender_timestamp)
//
// A sender running behind the receiver extends the deadline; one running
// ahead shortens it. Applied only to inbound requests; response expirations
// are echoed from the request untouched.
func effectiveExpiration(stated time.Time, senderTimestamp time.Time, now time.Time) time.Time {
	if senderTimestamp.IsZero() {
		return stated
	}
	return stated.Add(now.Sub(senderTimestamp))
}

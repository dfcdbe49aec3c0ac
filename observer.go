package coap

import (
	"bytes"
	"strings"
	"sync"
)

// observerEntry is one subscriber to a resource's state changes (spec
// §3, §4.4): an independent copy of the original observe request,
// whose token both keys and identifies the subscription.
type observerEntry struct {
	req Request
}

// observerRegistry maps a resource URL to its ordered list of
// subscribers (spec §4.4), guarded the way dsoftbus-go's
// TcpSessionManager guards its serverMap/sessionMap with a RWMutex.
type observerRegistry struct {
	mu        sync.RWMutex
	resources map[string][]*observerEntry
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{resources: make(map[string][]*observerEntry)}
}

func normalizeURL(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

// Register adds req as an observer of url. req must carry the OBSERVE
// option (value 0, or the option present at all, meaning "register"
// per spec §4.4).
func (r *observerRegistry) Register(url string, req Request) error {
	if _, present := req.Observe(); !present {
		return newErr(KindArgument, ErrNotObserveRequest)
	}
	url = normalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &observerEntry{req: copyRequest(req)}
	r.resources[url] = append(r.resources[url], entry)
	return nil
}

// Unregister removes the subscriber matching token from url's list.
func (r *observerRegistry) Unregister(url string, token []byte) {
	url = normalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.resources[url]
	for i, e := range list {
		if bytes.Equal(e.req.Token, token) {
			r.resources[url] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// UnregisterByResponse scans every resource's subscriber list for a
// token matching resp and removes it, returning the resource URL it
// was found under (spec §4.4: "unregister_by_response ... resolves
// the resource by scanning all lists for a matching token").
func (r *observerRegistry) UnregisterByResponse(resp *Response) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, list := range r.resources {
		for i, e := range list {
			if bytes.Equal(e.req.Token, resp.Token) {
				r.resources[url] = append(list[:i], list[i+1:]...)
				return url, true
			}
		}
	}
	return "", false
}

// List returns a snapshot of url's current observers.
func (r *observerRegistry) List(url string) []Request {
	url = normalizeURL(url)

	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.resources[url]
	out := make([]Request, 0, len(list))
	for _, e := range list {
		out = append(out, copyRequest(e.req))
	}
	return out
}

// AddObservable ensures url exists in the registry with an empty
// subscriber list (no-op if it already has subscribers).
func (r *observerRegistry) AddObservable(url string) {
	url = normalizeURL(url)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[url]; !ok {
		r.resources[url] = nil
	}
}

// RemoveObservable drops url and all of its subscribers.
func (r *observerRegistry) RemoveObservable(url string) {
	url = normalizeURL(url)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, url)
}

// shutdown clears every resource and subscriber (spec §3: observer
// entries are destroyed "on endpoint shutdown").
func (r *observerRegistry) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = make(map[string][]*observerEntry)
}

package api

import "sync"

// DefaultStoreSize bounds how many results ResultStore keeps.
const DefaultStoreSize = 256

// ResultStore keeps recent recognition results for later retrieval. The
// oldest entry is evicted once the store is full.
type ResultStore struct {
	mu      sync.Mutex
	max     int
	order   []string
	results map[string]OCRResponse
}

func NewResultStore(max int) *ResultStore {
	if max <= 0 {
		max = DefaultStoreSize
	}
	return &ResultStore{
		max:     max,
		results: make(map[string]OCRResponse),
	}
}

func (s *ResultStore) Put(resp OCRResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *ResultStore) Get(id string) (OCRResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

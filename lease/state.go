package lease

import "sync"

// ActiveState owns the pool-wide "active job" pointer and the mining
// on/off flag. The Manager is the single writer; other components only
// read through the accessors. Both values are persisted so a restart
// resumes where the pool left off.
type ActiveState struct {
	mu sync.Mutex
	db *database
}

func newActiveState(db *database) *ActiveState {
	return &ActiveState{db: db}
}

// ActiveJob returns the id of the job currently being mined,
// or "" when none is active.
func (s *ActiveState) ActiveJob() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.getScalar(keyActiveJob)
}

func (s *ActiveState) setActiveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.putScalar(keyActiveJob, jobID)
}

func (s *ActiveState) clearActiveJob() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.deleteScalar(keyActiveJob)
}

// Mining reports whether the pool is accepting lease requests.
func (s *ActiveState) Mining() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.getScalar(keyMining)
	return v == "1", err
}

func (s *ActiveState) setMining(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := "0"
	if on {
		v = "1"
	}
	return s.db.putScalar(keyMining, v)
}

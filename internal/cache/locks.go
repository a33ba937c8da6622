package cache

import "sync"

// sectionLocks 为每个 section 提供互斥锁，保证同一 section 同时只有一个写入者；
// 引用计数归零后回收，避免 map 无限增长。
type sectionLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newSectionLocks() *sectionLocks {
	return &sectionLocks{locks: make(map[string]*entryLock)}
}

func (s *sectionLocks) lock(section string) func() {
	s.mu.Lock()
	lock := s.locks[section]
	if lock == nil {
		lock = &entryLock{}
		s.locks[section] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, section)
		}
		s.mu.Unlock()
	}
}

// held 返回当前登记的锁数量，仅测试使用。
func (s *sectionLocks) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// tryLock 在锁被占用时立即返回 false，供淘汰流程跳过正在写入的 section，
// 避免持有一个 section 锁时阻塞等待另一个。
func (s *sectionLocks) tryLock(section string) (func(), bool) {
	s.mu.Lock()
	lock := s.locks[section]
	if lock == nil {
		lock = &entryLock{}
		s.locks[section] = lock
	}
	if !lock.mu.TryLock() {
		if lock.refs == 0 {
			delete(s.locks, section)
		}
		s.mu.Unlock()
		return nil, false
	}
	lock.refs++
	s.mu.Unlock()

	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, section)
		}
		s.mu.Unlock()
	}, true
}

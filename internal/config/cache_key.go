package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamMetaKey returns the cache key for an exam's catalog entry (JSON)
func (r *CacheKeyStruct) ExamMetaKey(examID string) string {
	return fmt.Sprintf("exam:%s:meta", examID)
}

// ExamAnswerKey returns the cache key for an exam's answer key (hash)
func (r *CacheKeyStruct) ExamAnswerKey(examID string) string {
	return fmt.Sprintf("exam:%s:key", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// SessionLockKey returns the lock key serializing operations on one session
func (r *CacheKeyStruct) SessionLockKey(sessionID string) string {
	return fmt.Sprintf("lock:session:%s", sessionID)
}

// SessionStartLockKey returns the lock key serializing session starts for one identity-exam pair
func (r *CacheKeyStruct) SessionStartLockKey(identityID, examID string) string {
	return fmt.Sprintf("lock:start:%s:%s", identityID, examID)
}

// ExpirySweepLockKey returns the lock key held by the instance running an expiry sweep
func (r *CacheKeyStruct) ExpirySweepLockKey() string {
	return "lock:worker:expiry_sweep"
}

// LockPattern matches every session lock key (SCAN pattern)
func (r *CacheKeyStruct) LockPattern() string {
	return "lock:session:*"
}

var CacheKey = NewCacheKeyStruct()

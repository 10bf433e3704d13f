package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptMetaKey holds the start payload of an attempt (items, start time, budget).
func (r *CacheKeyStruct) AttemptMetaKey(learnerID int, attemptID string) string {
	return fmt.Sprintf("learner:%d:attempt:%s:meta", learnerID, attemptID)
}

// AttemptAnswersKey is the hash of encoded answers keyed by item id.
func (r *CacheKeyStruct) AttemptAnswersKey(learnerID int, attemptID string) string {
	return fmt.Sprintf("learner:%d:attempt:%s:answers", learnerID, attemptID)
}

// AttemptViolationsKey is the ordered violation log of an attempt.
func (r *CacheKeyStruct) AttemptViolationsKey(learnerID int, attemptID string) string {
	return fmt.Sprintf("learner:%d:attempt:%s:violations", learnerID, attemptID)
}

// AttemptStatusKey holds the last journaled lifecycle status.
func (r *CacheKeyStruct) AttemptStatusKey(learnerID int, attemptID string) string {
	return fmt.Sprintf("learner:%d:attempt:%s:status", learnerID, attemptID)
}

// TestMonitorChannel returns the Redis PubSub channel name for a test monitor
func (r *CacheKeyStruct) TestMonitorChannel(testSlug string) string {
	return fmt.Sprintf("test:%s:monitor", testSlug)
}

var CacheKey = NewCacheKeyStruct()

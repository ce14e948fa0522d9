package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamDefinitionKey returns the cache key for an exam definition fetched from the exam API
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam's live proctor feed
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// StudentActiveSessionKey returns the cache key holding a student's open session for an exam
func (r *CacheKeyStruct) StudentActiveSessionKey(examID, studentID string) string {
	return fmt.Sprintf("student:%s:exam:%s:session", studentID, examID)
}

var CacheKey = NewCacheKeyStruct()

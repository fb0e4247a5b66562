package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	statePrefix      = "jobdag:state:"
	lockPrefix       = "jobdag:lock:"
	workflowPrefix   = "jobdag:workflow:"
	checkpointPrefix = "jobdag:checkpoint:"
)

// getStateKey returns the Redis key for an execution record
func getStateKey(executionID string) string {
	return statePrefix + executionID
}

func getCurrentJobsKey(executionID string) string {
	return fmt.Sprintf("%s%s:current", statePrefix, executionID)
}

func getCompletedJobsKey(executionID string) string {
	return fmt.Sprintf("%s%s:completed", statePrefix, executionID)
}

func getFailedJobsKey(executionID string) string {
	return fmt.Sprintf("%s%s:failed", statePrefix, executionID)
}

func getResultsKey(executionID string) string {
	return fmt.Sprintf("%s%s:results", statePrefix, executionID)
}

func getCheckpointIndexKey(executionID string) string {
	return fmt.Sprintf("%s%s:checkpoints", statePrefix, executionID)
}

func getWorkflowKey(workflowID string) string {
	return workflowPrefix + workflowID
}

func getLockKey(resource string) string {
	return lockPrefix + resource
}

func getCheckpointKey(checkpointID string) string {
	return checkpointPrefix + checkpointID
}

// executionKeys lists every key owned by one execution
func executionKeys(executionID string) []string {
	return []string{
		getStateKey(executionID),
		getCurrentJobsKey(executionID),
		getCompletedJobsKey(executionID),
		getFailedJobsKey(executionID),
		getResultsKey(executionID),
	}
}

// scanKeys collects all keys matching pattern with SCAN
func scanKeys(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func sortedMembers(members []string) []string {
	out := append([]string(nil), members...)
	sort.Strings(out)
	return out
}

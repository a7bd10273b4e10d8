package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of subject partitions for the event stream.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	return ShardFor(entityID, ShardCount)
}

// ShardFor maps an entity onto one of n partitions. n <= 1 always yields 0.
func ShardFor(entityID string, n int) int {
	if n <= 1 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % uint32(n))
}

// EventSubject returns the NATS subject for events of one aggregate.
// Format: todo.event.{shard_id}.{aggregate_id}
func EventSubject(aggregateID string) string {
	return fmt.Sprintf("todo.event.%d.%s", GetShardID(aggregateID), aggregateID)
}

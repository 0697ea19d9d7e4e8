package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the system.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// ListShardID places every message of one list on the same shard.
func ListShardID(userID, listID string) int {
	return GetShardID(userID + "/" + listID)
}

// CommandSubject returns the subject a list command is published on.
// Format: app.command.{shard_id}.list.{user_id}.{list_id}
func CommandSubject(userID, listID string) string {
	return fmt.Sprintf("app.command.%d.list.%s.%s", ListShardID(userID, listID), userID, listID)
}

// EventSubject returns the subject committed list events are published on.
// Format: app.event.{shard_id}.list.{user_id}.{list_id}
func EventSubject(userID, listID string) string {
	return fmt.Sprintf("app.event.%d.list.%s.%s", ListShardID(userID, listID), userID, listID)
}

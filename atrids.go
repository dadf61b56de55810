package transactions

import (
	"fmt"
	"hash/crc32"
)

// The bucket keyspace is divided into 1024 vbuckets; each vbucket anchors
// exactly one ATR document. Every client must derive the same vbucket for
// the same key or cross-client cleanup cannot find foreign attempts, so the
// mapping below follows the server's documented key hashing: CRC-32C of the
// key, upper 16 bits, modulo the vbucket count.
const numATRs = 1024

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func vbucketForKey(key string) int {
	crc := crc32.Checksum([]byte(key), crc32cTable)
	return int((crc >> 16) & (numATRs - 1))
}

func atrIDForVbucket(vbucket int) string {
	return fmt.Sprintf("_txn:atr-%d", vbucket)
}

// atrIDForKey returns the ATR document id anchoring the given key.
func atrIDForKey(key string) string {
	return atrIDForVbucket(vbucketForKey(key))
}

// allATRIDs enumerates every ATR id in a bucket, for the lost-attempt
// scanner's shard walk.
func allATRIDs(num int) []string {
	if num <= 0 || num > numATRs {
		num = numATRs
	}
	ids := make([]string, num)
	for i := 0; i < num; i++ {
		ids[i] = atrIDForVbucket(i)
	}
	return ids
}

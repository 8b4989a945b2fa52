// Package executor turns fired transfer signals into exactly one committed
// chain transfer each, durably, across crashes and retries. The unique
// index on the idempotency key is the mechanism; everything else is
// recovery around it.
package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DefaultIdemBucketSec collapses signals whose price timestamps fall in
// the same bucket onto one idempotency key, so two evaluator passes over
// the same consolidation run cannot mint distinct keys.
const DefaultIdemBucketSec = 60

// IdemKey derives the deterministic key for one fire. Re-planning the same
// signal must produce the same key; a retry never mints a fresh one.
func IdemKey(ruleID string, firedAt, bucketSec int64, amount *big.Int, direction string) string {
	if bucketSec <= 0 {
		bucketSec = DefaultIdemBucketSec
	}
	bucket := firedAt - firedAt%bucketSec
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", ruleID, bucket, amount.String(), direction)))
	return hex.EncodeToString(sum[:])
}

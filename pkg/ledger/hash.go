package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/asyncgate/asyncgate/pkg/types"
)

// canonicalJSON serializes v deterministically. encoding/json emits
// map keys in sorted order with no insignificant whitespace, which is
// exactly the canonical form the hash contract requires.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// BodyHash returns the SHA-256 of the canonical serialization of the
// receipt body. A nil body hashes as the empty object.
func BodyHash(body map[string]any) (string, error) {
	if body == nil {
		body = map[string]any{}
	}
	data, err := canonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("serialize body: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ReceiptHash computes the content fingerprint of a receipt: SHA-256
// over the canonical serialization of the identifying tuple. Parents
// are sorted first so permutations hash identically, and the parents
// list is part of the tuple so identical bodies with different parents
// hash differently. delivered_at and created_at never participate.
func ReceiptHash(rtype types.ReceiptType, taskID, leaseID string,
	from, to types.Principal, parents []string, bodyHash string) (string, error) {

	sorted := make([]string, len(parents))
	copy(sorted, parents)
	sort.Strings(sorted)

	tuple := map[string]any{
		"receipt_type": string(rtype),
		"task_id":      taskID,
		"lease_id":     leaseID,
		"from_kind":    string(from.Kind),
		"from_id":      from.ID,
		"to_kind":      string(to.Kind),
		"to_id":        to.ID,
		"parents":      sorted,
		"body_hash":    bodyHash,
	}
	data, err := canonicalJSON(tuple)
	if err != nil {
		return "", fmt.Errorf("serialize hash tuple: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

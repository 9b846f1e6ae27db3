package protocol

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/sha3"
)

// HashItem computes the content hash of a listing item: the sha3-256 of its
// canonical serialization with the hash and signature fields emptied. Both the
// seller and every receiving node derive the same hash independently.
func HashItem(it *ListingItem) (string, error) {
	clone := *it
	clone.Hash = ""
	clone.Signature = ""
	b, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashProposal computes the content hash of a proposal payload with its hash
// field emptied.
func HashProposal(p *ProposalPayload) (string, error) {
	clone := *p
	clone.Hash = ""
	b, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

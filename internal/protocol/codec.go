package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse marks a malformed envelope. Messages failing with ErrParse are
// terminal; they are never retried.
var ErrParse = errors.New("protocol: malformed envelope")

// Marshal serializes an envelope into its transport wire form.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("protocol: nil envelope")
	}
	if (env.Item == nil) == (env.Action == nil) {
		return nil, fmt.Errorf("protocol: envelope must carry exactly one of item or mpaction")
	}
	return json.Marshal(env)
}

// Parse decodes a raw transport payload into an envelope. A payload that is
// not valid JSON, carries neither or both of item/mpaction, or names an
// unknown action type fails with ErrParse.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if (env.Item == nil) == (env.Action == nil) {
		return nil, fmt.Errorf("%w: envelope must carry exactly one of item or mpaction", ErrParse)
	}
	if env.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrParse)
	}
	if env.Action != nil {
		if !env.Action.Type.Known() || env.Action.Type == MsgListingAdd {
			return nil, fmt.Errorf("%w: unknown action type %q", ErrParse, env.Action.Type)
		}
		if env.Action.ListingHash == "" && env.Action.Type != MsgProposalAdd && env.Action.Type != MsgVote {
			return nil, fmt.Errorf("%w: missing listing hash", ErrParse)
		}
	}
	if env.Item != nil && env.Item.Hash == "" {
		return nil, fmt.Errorf("%w: listing item missing hash", ErrParse)
	}
	return &env, nil
}

// PeekType extracts the message type from a raw payload without validating the
// full envelope. Used at ingestion time to classify messages for the
// priority batches; full validation happens when the message is processed.
func PeekType(raw []byte) (MessageType, error) {
	var probe struct {
		Item *struct{} `json:"item"`
		Action *struct {
			Type MessageType `json:"type"`
		} `json:"mpaction"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if probe.Item != nil {
		return MsgListingAdd, nil
	}
	if probe.Action != nil && probe.Action.Type.Known() {
		return probe.Action.Type, nil
	}
	return "", fmt.Errorf("%w: unrecognized payload", ErrParse)
}

package format

import (
	"encoding/json"
	"fmt"

	"github.com/scrypster/chathistory/pkg/types"
)

// Classify picks the structural variant a probe describes without scoring
// it. Documents with both lists are hybrid, entries alone are legacy, and
// messages or a schema tag mean unified.
func Classify(p Probe) Variant {
	switch {
	case p.HasEntries && p.HasMessages:
		return VariantHybrid
	case p.HasEntries:
		return VariantLegacy
	case p.HasMessages || p.HasVersion:
		return VariantUnified
	default:
		return VariantUnknown
	}
}

// Decode reads a stored document of any known variant and returns it as a
// unified conversation. Legacy and hybrid documents are converted in memory;
// nothing is written back. Set opts.Seed to get the same ids on every decode.
func (c *Converter) Decode(raw []byte, opts Options) (*types.Conversation, Variant, error) {
	probe, err := ProbeDocument(raw)
	if err != nil {
		return nil, VariantUnknown, err
	}

	variant := Classify(probe)
	if opts.Seed != "" && variant != VariantUnified {
		c = c.seeded(opts.Seed, raw)
	}
	switch variant {
	case VariantLegacy:
		var doc LegacyDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, variant, fmt.Errorf("%w: legacy document: %v", ErrMalformed, err)
		}
		conv, _ := c.FromLegacy(&doc, opts)
		return conv, variant, nil

	case VariantHybrid:
		var doc HybridDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, variant, fmt.Errorf("%w: hybrid document: %v", ErrMalformed, err)
		}
		conv, _ := c.FromHybrid(&doc, opts)
		return conv, variant, nil

	case VariantUnified:
		conv, err := DecodeUnified(raw)
		if err != nil {
			return nil, variant, err
		}
		if opts.Filename != "" {
			conv.Filename = opts.Filename
		}
		if conv.ProjectInfo.RootPath == "" {
			conv.ProjectInfo = opts.Project
		}
		return conv, variant, nil

	default:
		return nil, variant, ErrUnrecognized
	}
}

// DecodeUnified unmarshals a unified document and normalises nil collections.
// Statistics are recomputed since the stored counters are only a cache.
func DecodeUnified(raw []byte) (*types.Conversation, error) {
	var conv types.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("%w: unified document: %v", ErrMalformed, err)
	}
	if conv.Messages == nil {
		conv.Messages = []types.Message{}
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]interface{}{}
	}
	conv.RecomputeStatistics()
	return &conv, nil
}

// Encode renders a conversation as an indented unified document.
func Encode(conv *types.Conversation) ([]byte, error) {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("format: encode conversation %s: %w", conv.ID, err)
	}
	return data, nil
}

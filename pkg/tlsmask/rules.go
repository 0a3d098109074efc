package tlsmask

import (
	"fmt"
	"sort"
)

// Action is a mask rule's instruction for a byte range.
type Action int

const (
	KeepAll Action = iota
	Mask
)

// Rule is one (record, frame-in-span) pair: an instruction to zero or
// preserve a byte range of one frame's TCP payload.
type Rule struct {
	FrameIndex int
	Start      int // absolute offset within the frame's TCP payload
	End        int // exclusive
	Action     Action
	RecordType byte // diagnostics only
}

// RuleOverlapError reports two rules for the same frame overlapping — a
// parser bug rather than a recoverable condition.
type RuleOverlapError struct {
	FrameIndex int
}

func (e *RuleOverlapError) Error() string {
	return fmt.Sprintf("tlsmask: overlapping mask rules in frame %d", e.FrameIndex)
}

// GenerateRules converts TLS record descriptors into per-frame mask
// rules by content-type policy, and verifies within each frame that the
// resulting rules don't overlap.
func GenerateRules(records []Record) (map[int][]Rule, error) {
	byFrame := make(map[int][]Rule)

	for _, rec := range records {
		for _, rule := range rulesForRecord(rec) {
			byFrame[rule.FrameIndex] = append(byFrame[rule.FrameIndex], rule)
		}
	}

	for frameIndex, rules := range byFrame {
		sort.Slice(rules, func(i, j int) bool { return rules[i].Start < rules[j].Start })
		for i := 1; i < len(rules); i++ {
			if rules[i].Start < rules[i-1].End {
				return nil, &RuleOverlapError{FrameIndex: frameIndex}
			}
		}
		byFrame[frameIndex] = rules
	}

	return byFrame, nil
}

// rulesForRecord applies the content-type policy to one record.
// Incomplete records always carry KEEP_ALL for every contributing byte —
// never mask what has not been fully identified. Type 23
// (ApplicationData) records carry KEEP_ALL for their 5-byte header and
// MASK for the body; every other type is KEEP_ALL end to end.
func rulesForRecord(rec Record) []Rule {
	if !rec.IsComplete || rec.ContentType != 23 {
		return spansToRules(rec.Spans, KeepAll, rec.ContentType)
	}

	var rules []Rule
	headerRemaining := tlsHeaderLen
	for _, s := range rec.Spans {
		span := s
		if headerRemaining > 0 {
			headerBytes := headerRemaining
			if headerBytes > span.Length {
				headerBytes = span.Length
			}
			rules = append(rules, Rule{
				FrameIndex: span.FrameIndex,
				Start:      span.Start,
				End:        span.Start + headerBytes,
				Action:     KeepAll,
				RecordType: rec.ContentType,
			})
			headerRemaining -= headerBytes
			span.Start += headerBytes
			span.Length -= headerBytes
		}
		if span.Length > 0 {
			rules = append(rules, Rule{
				FrameIndex: span.FrameIndex,
				Start:      span.Start,
				End:        span.Start + span.Length,
				Action:     Mask,
				RecordType: rec.ContentType,
			})
		}
	}
	return rules
}

func spansToRules(spans []recordSpan, action Action, recordType byte) []Rule {
	rules := make([]Rule, 0, len(spans))
	for _, s := range spans {
		rules = append(rules, Rule{
			FrameIndex: s.FrameIndex,
			Start:      s.Start,
			End:        s.Start + s.Length,
			Action:     action,
			RecordType: recordType,
		})
	}
	return rules
}

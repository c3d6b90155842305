package agentloop

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// toolCallSignature fingerprints a call by name and canonicalized input.
func toolCallSignature(name string, input json.RawMessage) string {
	h := blake3.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonicalJSON(input))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// canonicalJSON re-encodes input so key order and spacing do not affect the
// fingerprint. Invalid JSON is used as-is.
func canonicalJSON(input json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return input
	}
	b, err := json.Marshal(v)
	if err != nil {
		return input
	}
	return b
}

// recentToolCallSignatures returns up to count signatures of the most
// recent invocations, oldest first.
func recentToolCallSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		switch turn.Kind {
		case TurnAssistant:
			invs := turn.Assistant.Invocations()
			for j := len(invs) - 1; j >= 0 && len(sigs) < count; j-- {
				sigs = append(sigs, toolCallSignature(invs[j].Name, invs[j].Input))
			}
		case TurnUser, TurnToolResults:
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || patternLen*2 > windowSize {
			continue
		}
		match := true
		for i := patternLen; i < windowSize && match; i++ {
			match = sigs[i] == sigs[i%patternLen]
		}
		if match {
			return true
		}
	}
	return false
}

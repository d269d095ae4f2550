package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

// repeatWarnThreshold is the number of identical (tool, args) calls within
// one run (not necessarily consecutive) that trigger a warning nudge back to
// the model.
const repeatWarnThreshold = 3

// repeatCriticalThreshold is the number of identical (tool, args) calls that
// aborts the iteration loop outright rather than burning more iterations.
const repeatCriticalThreshold = 5

// toolLoopState tracks repeated no-progress tool calls within a single run,
// so a model stuck retrying the same failing call doesn't spin until
// maxIterations is exhausted.
type toolLoopState struct {
	counts  map[string]int
	results map[string]string
}

// record hashes (toolName, args) and bumps its repeat count, returning the
// hash for use by recordResult/detect.
func (s *toolLoopState) record(toolName string, args map[string]interface{}) string {
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	hash := hashToolCall(toolName, args)
	s.counts[hash]++
	return hash
}

// recordResult stores the latest result text for the given hash. detect does
// not read it: repeats are judged on the (tool, args) count alone.
func (s *toolLoopState) recordResult(hash, result string) {
	if s.results == nil {
		s.results = make(map[string]string)
	}
	s.results[hash] = result
}

// detect reports whether toolName/hash has crossed the warn or critical
// repeat threshold, returning ("warning"|"critical", message) or ("", "").
func (s *toolLoopState) detect(toolName, hash string) (string, string) {
	count := s.counts[hash]
	switch {
	case count >= repeatCriticalThreshold:
		return "critical", "repeated call to " + toolName + " with identical arguments, no progress detected"
	case count >= repeatWarnThreshold:
		return "warning", "You have called " + toolName + " with the same arguments " +
			strconv.Itoa(count) + " times in this run. Try a different approach or different arguments."
	default:
		return "", ""
	}
}

func hashToolCall(toolName string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(append([]byte(toolName+":"), b...))
	return hex.EncodeToString(sum[:8])
}

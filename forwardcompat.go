// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transactions

import (
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion returns the protocol version that this library supports.
func ProtocolVersion() string {
	return "2.0"
}

// ProtocolExtensions returns a list of strings representing the various
// features that this specific version of the library supports within its
// protocol version.
func ProtocolExtensions() []string {
	return []string{"TI", "RC", "BF3787"}
}

// ForwardCompatibilityEntry represents a forward compatibility entry.
// Internal: This should never be used and is not supported.
type ForwardCompatibilityEntry struct {
	ProtocolVersion   string `json:"p,omitempty"`
	ProtocolExtension string `json:"e,omitempty"`
	Behaviour         string `json:"b,omitempty"`
	RetryInterval     int    `json:"ra,omitempty"`
}

// Stages at which newer clients may demand a behaviour from older ones,
// keyed by the wire names written into fc maps.
const (
	forwardCompatStageGets           = "G"
	forwardCompatStageGetsReadingATR = "G_A"
	forwardCompatStageWWCReadingATR  = "WW_R"
	forwardCompatStageWWCReplacing   = "WW_RP"
	forwardCompatStageWWCRemoving    = "WW_RM"
	forwardCompatStageWWCInserting   = "WW_I"
	forwardCompatStageWWCInsertingGet = "WW_IG"
	forwardCompatStageCleanupEntry   = "CL_E"
)

const (
	forwardCompatBehaviourRetry = "r"
	forwardCompatBehaviourFail  = "f"
)

// checkForwardCompat evaluates the fc hints found on a staged document or
// ATR entry against this library's capabilities. A requirement we satisfy
// is ignored; one we do not satisfy converts into a retry (optionally
// delayed) or a fail-fast error per the entry's behaviour.
func checkForwardCompat(stage string, fc map[string][]ForwardCompatibilityEntry, clock Clock) *TransactionOperationFailedError {
	if len(fc) == 0 {
		return nil
	}
	entries, ok := fc[stage]
	if !ok {
		return nil
	}
	for _, entry := range entries {
		if forwardCompatSatisfied(entry) {
			continue
		}
		if entry.Behaviour == forwardCompatBehaviourRetry {
			if entry.RetryInterval > 0 && clock != nil {
				clock.Sleep(time.Duration(entry.RetryInterval) * time.Millisecond)
			}
			return operationFailed(ErrorClassFailOther, ErrForwardCompatibilityFailure).retry()
		}
		return operationFailed(ErrorClassFailOther, ErrForwardCompatibilityFailure)
	}
	return nil
}

func forwardCompatSatisfied(entry ForwardCompatibilityEntry) bool {
	if entry.ProtocolExtension != "" {
		for _, ext := range ProtocolExtensions() {
			if ext == entry.ProtocolExtension {
				return true
			}
		}
		return false
	}
	if entry.ProtocolVersion != "" {
		major, minor := parseProtocolVersion(entry.ProtocolVersion)
		ourMajor, ourMinor := parseProtocolVersion(ProtocolVersion())
		if major < ourMajor || (major == ourMajor && minor <= ourMinor) {
			return true
		}
		return false
	}
	// An entry naming neither an extension nor a version demands nothing.
	return true
}

func parseProtocolVersion(v string) (int, int) {
	parts := strings.SplitN(v, ".", 2)
	major, _ := strconv.Atoi(parts[0])
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

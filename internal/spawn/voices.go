// SPDX-License-Identifier: MIT

package spawn

// DefaultVoice is used whenever a session does not pin one.
const DefaultVoice = "Ashley"

// ValidVoices enumerates the voices the agent binary ships with.
var ValidVoices = []string{"Ashley", "Craig", "Edward", "Olivia", "Wendy", "Priya"}

// NormalizeVoice maps unknown or empty voice ids to the default.
func NormalizeVoice(v string) string {
	for _, valid := range ValidVoices {
		if v == valid {
			return v
		}
	}
	return DefaultVoice
}

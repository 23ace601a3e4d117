package auth

import (
	"math/rand"
	"strings"
)

// Word pools for synthesized project ids. The ids only need to look like
// auto-provisioned Google projects; they are never created server-side.
var (
	projectAdjectives = []string{
		"useful", "bright", "calm", "rapid", "steady", "quiet",
		"smooth", "brave", "clever", "sunny", "vivid", "prime",
	}
	projectNouns = []string{
		"fact", "wave", "stone", "field", "river", "cloud",
		"spark", "trail", "grove", "ridge", "haven", "meadow",
	}
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// SynthesizeProjectID builds an id shaped like "<adjective>-<noun>-<5
// base36 chars>", matching the format of auto-provisioned projects.
func SynthesizeProjectID() string {
	var suffix strings.Builder
	for i := 0; i < 5; i++ {
		suffix.WriteByte(base36[rand.Intn(len(base36))])
	}
	return projectAdjectives[rand.Intn(len(projectAdjectives))] +
		"-" + projectNouns[rand.Intn(len(projectNouns))] +
		"-" + suffix.String()
}

package engine

import (
	"fmt"
	"sort"
)

type EnvVars []string

// ConstructEnvs converts a pipeline file's environment mapping into a
// process-friendly []string{"KEY=value", ...} slice, sorted by key so
// that the result is stable.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	constructed := make(EnvVars, 0, len(keys))
	for _, k := range keys {
		constructed.AddEnv(k, envs[k])
	}
	return constructed
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

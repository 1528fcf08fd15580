package sandbox

import (
	"fmt"
	"os"
)

// BuildEnv assembles the minimal child environment: PATH, the
// workspace, the tool's identity, the secrets directory when one was
// materialized, and the manifest's declared variables. Nothing else
// from the parent environment leaks through; in particular HOME and
// USER are never passed.
func BuildEnv(workspace string, m *GearManifest, secretsDir string, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	env := make([]string, 0, 6+len(m.Permissions.Env))
	if path, ok := lookup("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	env = append(env,
		"WORKSPACE="+workspace,
		"TOOL_ID="+m.ID,
		"TOOL_VERSION="+m.Version,
	)
	if secretsDir != "" {
		env = append(env, "SECRETS_DIR="+secretsDir)
	}
	for _, name := range m.Permissions.Env {
		switch name {
		case "", "HOME", "USER", "PATH", "WORKSPACE", "TOOL_ID", "TOOL_VERSION", "SECRETS_DIR":
			continue
		}
		if value, ok := lookup(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, value))
		}
	}
	return env
}

// internal/checkpoint/copytree_test.go
package checkpoint

import (
	"path/filepath"
	"testing"
)

func TestExcluded(t *testing.T) {
	cases := []struct {
		name string
		rel  string
		want bool
	}{
		{"GitRoot", ".git", true},
		{"GitContents", filepath.Join(".git", "config"), true},
		{"AgentState", ".codepunk", true},
		{"NestedGit", filepath.Join("vendor", "lib", ".git"), true},
		{"NestedGitContents", filepath.Join("vendor", "lib", ".git", "HEAD"), true},
		{"NestedAgentState", filepath.Join("sub", ".codepunk", "state"), true},
		{"RegularFile", "main.go", false},
		{"GitPrefixName", ".github", false},
		{"NestedRegular", filepath.Join("vendor", "lib", "lib.go"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := excluded(tc.rel, nil); got != tc.want {
				t.Errorf("excluded(%q) = %v, want %v", tc.rel, got, tc.want)
			}
		})
	}
}

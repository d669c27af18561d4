//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// Principals that make an ACL readable beyond the current user.
var broadPrincipals = []string{"everyone", "authenticated users", "builtin\\users", "users"}

// checkFilePermissions warns when the ACL of the config file grants access
// to broad groups. Without icacls nothing is reported.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(out))
	if !slices.ContainsFunc(broadPrincipals, func(p string) bool { return strings.Contains(acl, p) }) {
		return ""
	}
	return fmt.Sprintf("WARNING: config %s may be readable by other users; secrets in it are exposed.\n"+
		"         Fix in PowerShell: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n", path, path)
}

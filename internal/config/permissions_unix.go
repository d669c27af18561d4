//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when group or others can read the config file,
// which carries database passwords and notification URLs.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	perm := info.Mode().Perm()
	if perm&0o077 == 0 {
		return ""
	}
	return fmt.Sprintf("WARNING: config %s is accessible by other users (mode %04o); secrets in it are exposed.\n"+
		"         Fix with: chmod 600 %s\n\n", path, perm, path)
}

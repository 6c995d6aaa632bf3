//go:build windows

package runner

import "os/exec"

// setPlatformAttrs is a no-op on Windows: exec's default context kill
// terminates the interpreter process itself, without process-group handling.
func setPlatformAttrs(cmd *exec.Cmd) {}

//go:build !linux

package chromium

import "os/exec"

func killAfterParent(*exec.Cmd) {}

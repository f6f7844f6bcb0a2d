//go:build windows

package launcher

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, _ bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

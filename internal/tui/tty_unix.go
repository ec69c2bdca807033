//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY restores cooked mode after an interrupted program left
// the terminal raw (Enter echoing as ^M).
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return
	}
	defer tty.Close()
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}

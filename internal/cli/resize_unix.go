//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Tech-Arch1tect/berth-sub004/internal/terminal"
)

// watchResize forwards SIGWINCH size changes to the session.
func watchResize(size func() (int, int), session *terminal.Session) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				cols, rows := size()
				_ = session.Resize(cols, rows)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(stop)
	}
}

//go:build windows

package cli

import "github.com/Tech-Arch1tect/berth-sub004/internal/terminal"

func watchResize(func() (int, int), *terminal.Session) func() {
	return func() {}
}

package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

// installer installs a global package. *registry.NPM satisfies it.
type installer interface {
	InstallGlobal(ctx context.Context, pkg string) error
}

// cliNotifier prints user-facing notices to the terminal. When
// installMissing is set it installs the missing registry server instead of
// only suggesting the command; the supervisor stays in tool_missing for
// the rest of the process, so the next invocation picks the install up.
type cliNotifier struct {
	log            *logging.Logger
	out            io.Writer
	npm            installer
	installPackage string
	installMissing bool

	mu sync.Mutex
}

func (n *cliNotifier) ToolMissing(ctx context.Context, notice process.ToolNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()

	fmt.Fprintf(n.out, "%s (%s) is not available: %v\n", notice.Name, notice.Binary, notice.Err)

	if !n.installMissing || n.installPackage == "" {
		if notice.Hint != "" {
			fmt.Fprintf(n.out, "Install it with: %s\n", notice.Hint)
			fmt.Fprintln(n.out, "or rerun with --install-missing.")
		}
		return
	}

	fmt.Fprintf(n.out, "Installing %s...\n", n.installPackage)
	if err := n.npm.InstallGlobal(ctx, n.installPackage); err != nil {
		n.log.Error("installing registry server", "package", n.installPackage, "error", err)
		fmt.Fprintf(n.out, "Installation failed: %v\n", err)
		return
	}
	n.log.Info("installed registry server", "package", n.installPackage)
	fmt.Fprintf(n.out, "Installed %s. Run the command again to use it.\n", n.installPackage)
}

func (n *cliNotifier) Warn(_ context.Context, msg string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err != nil {
		fmt.Fprintf(n.out, "warning: %s (%v)\n", msg, err)
		return
	}
	fmt.Fprintf(n.out, "warning: %s\n", msg)
}

var (
	_ process.Notifier = (*cliNotifier)(nil)
	_ installer        = (*registry.NPM)(nil)
)

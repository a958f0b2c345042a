package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/roach88/strata/internal/dispatch"
	"github.com/roach88/strata/internal/localnode"
)

// openTenant opens (or creates) the durable replica at dbPath and wires a
// tenant over it. The returned close func releases the replica.
func openTenant(ctx context.Context, dbPath string, opts *RootOptions, errOut io.Writer) (*dispatch.Tenant, func() error, error) {
	node, err := localnode.New(localnode.WithDurability(dbPath))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{
		Level: logLevel(opts),
	}))
	tenant, err := dispatch.NewTenant(ctx, node, node.AccountID(), log)
	if err != nil {
		node.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open tenant", err)
	}
	return tenant, node.Close, nil
}

func logLevel(opts *RootOptions) slog.Level {
	if opts.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

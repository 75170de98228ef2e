package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"harvest-core/cmd/harvest/commands"
	"harvest-core/lib/osutil"
	"harvest-core/lib/telemetry"

	_ "harvest-core/services/listings"
)

func main() {
	ctx := osutil.SignalContext()

	err := telemetry.SetupFromEnv(ctx, "harvest")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to initialize telemetry", "err", err)
	}
	defer telemetry.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}

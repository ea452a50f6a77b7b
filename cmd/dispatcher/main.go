package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/vaheed/resource-dispatcher/internal/config"
	"github.com/vaheed/resource-dispatcher/internal/logging"
)

const usage = `Usage: dispatcher [command] [flags]

Commands:
  run        watch namespaces and inject relation templates (default)
  cleanup    delete every object the dispatcher created, then exit
  manifests  print the ClusterRole and Metacontroller CompositeController
  token      issue an API token signed with JWT_SIGNING_KEY
`

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	cfg := config.Default()
	fs := pflag.NewFlagSet("dispatcher "+cmd, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	cfg.AddFlags(fs)
	tok := tokenFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.L.Warn("log_level_ignored", zap.String("level", cfg.LogLevel), zap.Error(err))
	}

	ctx := ctrl.SetupSignalHandler()
	var err error
	switch cmd {
	case "run":
		err = run(ctx, cfg)
	case "cleanup":
		err = cleanup(ctx, cfg)
	case "manifests":
		err = manifests(os.Stdout, cfg)
	case "token":
		err = token(os.Stdout, cfg, tok)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.L.Error("dispatcher_failed", zap.String("command", cmd), zap.Error(err))
		_ = logging.L.Sync()
		os.Exit(1)
	}
}

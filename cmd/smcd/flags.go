package main

import (
	"github.com/spf13/pflag"

	"github.com/ggoodman/smc-node-go/config"
)

// parseFlags overrides environment settings in cfg with any flags set in args.
func parseFlags(cfg *config.Config, args []string) (help bool, err error) {
	fs := pflag.NewFlagSet("smcd", pflag.ContinueOnError)
	fs.IntVar(&cfg.PartyID, "id", cfg.PartyID, "party id of this node (log tagging only)")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, `control listen address, "unix:///path" or "host:port"`)
	fs.StringVar(&cfg.BasePath, "base-path", cfg.BasePath, "HTTP path prefix of the command endpoints")
	fs.StringVar(&cfg.Suite, "suite", cfg.Suite, "computation suite for new sessions")
	fs.DurationVar(&cfg.EngineTimeout, "engine-timeout", cfg.EngineTimeout, "deadline for each engine call (0 disables)")
	fs.DurationVar(&cfg.PeerRetry, "peer-retry", cfg.PeerRetry, "pause between failed peer dials")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent peer sends per session (0 picks a default)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "session journal: memory, redis or none")
	fs.StringVar(&cfg.Redis.RedisAddr, "redis-addr", cfg.Redis.RedisAddr, "redis address for the redis journal")
	fs.BoolVarP(&help, "help", "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if help {
		fs.PrintDefaults()
	}
	return help, nil
}

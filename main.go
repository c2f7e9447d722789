// Command chatbox is a small multi-user chat daemon speaking a line
// oriented protocol over TLS. Admission is allowlist based; denied IPs
// accumulate in a pending list an operator can review with the admin
// subcommands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/horgh/chatbox/allowlist"
	"github.com/horgh/chatbox/history"
	"github.com/horgh/chatbox/identity"
)

// Redis keys for the remote backends.
const (
	redisIdentitiesKey = "chatbox:identities"
	redisHistoryKey    = "chatbox:history"
)

type options struct {
	bind        string
	cert        string
	key         string
	motd        string
	allowlist   string
	pending     string
	identities  string
	redisURL    string
	ipRate      int
	connRate    int
	idleTimeout int
}

func (o *options) files() allowlist.Files {
	return allowlist.Files{
		Allowlist: o.allowlist,
		Pending:   o.pending,
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "chatbox",
		Short:        "Multi-user TLS chat server",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.allowlist, "allowlist", "./allowed.toml",
		"allowlist file")
	pf.StringVar(&opts.pending, "pending", "./pending.toml",
		"pending list file")

	f := cmd.Flags()
	f.StringVar(&opts.bind, "bind", "0.0.0.0:5555", "listen address")
	f.StringVar(&opts.cert, "cert", "", "TLS certificate (PEM)")
	f.StringVar(&opts.key, "key", "", "TLS private key (PEM)")
	f.StringVar(&opts.motd, "motd", "", "message of the day")
	f.StringVar(&opts.identities, "identities", "./identities.toml",
		"identities file")
	f.StringVar(&opts.redisURL, "redis", "",
		"Redis URL for remote identity/history backends")
	f.IntVar(&opts.ipRate, "ip-rate", 20, "events per second per IP")
	f.IntVar(&opts.connRate, "conn-rate", 5, "events per second per connection")
	f.IntVar(&opts.idleTimeout, "idle-timeout", 0,
		"seconds a client may idle before disconnect (0 disables)")

	cmd.AddCommand(newAllowCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))

	return cmd
}

func runServe(opts *options) error {
	if opts.cert == "" || opts.key == "" {
		return errors.New("--cert and --key are required")
	}

	tlsConfig, err := loadTLSConfig(opts.cert, opts.key)
	if err != nil {
		return err
	}

	var identities identity.Store
	var hist history.Store

	if opts.redisURL != "" {
		redisOpts, err := redis.ParseURL(opts.redisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(redisOpts)
		identities = identity.NewRedisStore(client, redisIdentitiesKey)
		hist = history.NewRedis(client, redisHistoryKey, history.DefaultMax)
		log.WithField("url", opts.redisURL).Info("using redis backends")
	} else {
		identities = identity.NewFileStore(opts.identities)
		hist = history.NewMemory(history.DefaultMax)
	}

	srv := &Server{
		Bind:        opts.bind,
		MOTD:        opts.motd,
		IdleTimeout: time.Duration(opts.idleTimeout) * time.Second,
		Hub:         NewHub(opts.connRate, opts.ipRate),
		History:     hist,
		Identities:  identities,
		Files:       opts.files(),
		TLSConfig:   tlsConfig,
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}

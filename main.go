package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/autorespond/config"
	"github.com/migadu/autorespond/consts"
	"github.com/migadu/autorespond/helpers"
	"github.com/migadu/autorespond/logger"
	"github.com/migadu/autorespond/pkg/metrics"
	"github.com/migadu/autorespond/pkg/retry"
	"github.com/migadu/autorespond/server/delivery"
	"github.com/migadu/autorespond/server/filter"
	"github.com/migadu/autorespond/server/ratelimit"
	"github.com/migadu/autorespond/server/responder"
)

const usage = `usage: autorespond [-config file] time num message dir [ flag arsender ]

time - amount of time to consider a message (in seconds)
num - maximum number of messages to allow within time seconds
message - the filename of the message to send
dir - the directory to hold the log of messages

optional parameters:

flag - handling of original message:

0 - append nothing
1 - append quoted original message without attachments <default>

arsender - from address in generated message, or:

+ = blank from envelope !
$ = To: address will be used
`

// arguments holds the positional command line.
type arguments struct {
	configPath  string
	window      time.Duration
	threshold   int
	messageFile string
	logDir      string
	quote       bool
	fromSpec    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdin, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, getenv func(string) string, stdin io.Reader, stderr io.Writer) int {
	args, err := parseArgs(argv, getenv)
	if err != nil {
		if errors.Is(err, consts.ErrInvalidArguments) {
			fmt.Fprint(stderr, "\nautorespond: "+usage+"\n")
		}
		fmt.Fprintf(stderr, "AUTORESPOND: %v\n", err)
		return consts.ExitSoftError
	}

	cfg := config.NewDefaultConfig()
	if args.configPath != "" {
		if err := config.LoadConfigFromFile(args.configPath, &cfg); err != nil {
			fmt.Fprintf(stderr, "AUTORESPOND: failed to load configuration %s: %v\n", args.configPath, err)
			return consts.ExitSoftError
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "AUTORESPOND: invalid configuration: %v\n", err)
		return consts.ExitSoftError
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "AUTORESPOND: failed to initialize logger: %v\n", err)
		return consts.ExitSoftError
	}
	if logFile != nil {
		defer logFile.Close()
	}

	start := time.Now()
	code := deliver(ctx, cfg, args, getenv, stdin)
	metrics.RunDuration.Observe(time.Since(start).Seconds())

	if cfg.Metrics.IsEnabled() {
		timeout, _ := cfg.Metrics.GetTimeout()
		pushCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := metrics.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logger.Warn("AUTORESPOND: metrics push failed", "error", err)
		}
		cancel()
	}
	return code
}

// deliver handles one message once configuration and logging are in place.
func deliver(ctx context.Context, cfg config.Config, args arguments, getenv func(string) string, stdin io.Reader) int {
	canned, err := os.ReadFile(args.messageFile)
	if err != nil {
		logger.ErrorContext(ctx, "AUTORESPOND: "+consts.ErrMessageFileMissing.Error(), "file", args.messageFile, "error", err)
		return consts.ExitSoftError
	}

	chain, err := filter.NewChain(filter.Options{
		HonorAutoSubmitted:  cfg.Filter.HonorAutoSubmitted,
		ExtraSenderPatterns: cfg.Filter.ExtraSenderPatterns,
	})
	if err != nil {
		logger.ErrorContext(ctx, "AUTORESPOND: invalid filter configuration", "error", err)
		return consts.ExitSoftError
	}

	store, closeStore, err := newStore(cfg.RateLimit, args.logDir)
	if err != nil {
		logger.ErrorContext(ctx, "AUTORESPOND: unable to open rate limit store", "error", err)
		return consts.ExitSoftError
	}
	defer closeStore()

	transport, err := newTransport(ctx, cfg.Transport)
	if err != nil {
		logger.ErrorContext(ctx, "AUTORESPOND: unable to set up transport", "type", cfg.Transport.Type, "error", err)
		return consts.ExitSoftError
	}

	r := &responder.Responder{
		Chain: chain,
		Limiter: &ratelimit.Limiter{
			Store:     store,
			Window:    args.window,
			Threshold: args.threshold,
		},
		Composer:       &delivery.Composer{},
		Transport:      transport,
		HaltOnSuppress: cfg.Policy.HaltOnSuppress,
		Pid:            os.Getpid(),
	}

	out := r.Run(ctx, responder.Invocation{
		Sender: getenv("SENDER"),
		From:   helpers.ReplyFromAddress(args.fromSpec, getenv("EXT"), getenv("HOST")),
		Local:  getenv("LOCAL"),
		Canned: canned,
		Quote:  args.quote,
		Input:  stdin,
	})
	return out.ExitCode
}

// parseArgs reads the optional -config flag and the positional arguments.
// Numeric arguments are read like strtoul: leading digits only, anything
// else counts as zero.
func parseArgs(argv []string, getenv func(string) string) (arguments, error) {
	fs := flag.NewFlagSet("autorespond", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", getenv("AUTORESPOND_CONFIG"), "Path to TOML configuration file")
	if err := fs.Parse(argv); err != nil {
		return arguments{}, fmt.Errorf("%w: %v", consts.ErrInvalidArguments, err)
	}

	pos := fs.Args()
	if len(pos) < 4 || len(pos) > 6 {
		return arguments{}, fmt.Errorf("%w (%d)", consts.ErrInvalidArguments, len(pos)+1)
	}

	args := arguments{
		configPath:  *configPath,
		window:      time.Duration(leadingUint(pos[0])) * time.Second,
		threshold:   int(leadingUint(pos[1])),
		messageFile: pos[2],
		logDir:      pos[3],
		quote:       true,
		fromSpec:    "$",
	}

	if !helpers.ValidateDirectoryPath(args.logDir) {
		return arguments{}, consts.ErrInvalidDirectory
	}

	if len(pos) > 4 {
		switch leadingUint(pos[4]) {
		case 0:
			args.quote = false
		case 1:
			args.quote = true
		default:
			return arguments{}, consts.ErrInvalidFlag
		}
	}
	if len(pos) > 5 {
		args.fromSpec = pos[5]
	}
	return args, nil
}

// leadingUint parses the leading decimal digits of s, saturating instead of
// overflowing.
func leadingUint(s string) uint32 {
	var n uint64
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + uint64(s[i]-'0')
		if n > 1<<32-1 {
			return 1<<32 - 1
		}
	}
	return uint32(n)
}

func newStore(cfg config.RateLimitConfig, logDir string) (ratelimit.Store, func(), error) {
	if cfg.IsSQLite() {
		s, err := ratelimit.OpenSQLiteStore(cfg.GetSQLitePath(logDir))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("AUTORESPOND: closing rate limit DB", "error", err)
			}
		}, nil
	}
	return ratelimit.NewDirStore(logDir), func() {}, nil
}

func newTransport(ctx context.Context, cfg config.TransportConfig) (delivery.Transport, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.IsSMTP():
		backoff := retry.DefaultBackoffConfig()
		backoff.MaxRetries = cfg.SMTP.MaxRetries
		return &delivery.SMTPRelay{
			SMTPHost:    cfg.SMTP.Host,
			UseTLS:      cfg.SMTP.TLS,
			TLSVerify:   cfg.SMTP.TLSVerify,
			UseStartTLS: cfg.SMTP.UseStartTLS,
			TLSCertFile: cfg.SMTP.TLSCertFile,
			TLSKeyFile:  cfg.SMTP.TLSKeyFile,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			Timeout:     timeout,
			Backoff:     backoff,
		}, nil
	case cfg.IsSES():
		t, err := delivery.NewSESTransport(ctx, delivery.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		t.Timeout = timeout
		t.Backoff.MaxRetries = cfg.SES.MaxRetries
		return t, nil
	case cfg.IsQmail():
		return &delivery.QmailQueue{
			QmailDir: cfg.QmailDir,
			Timeout:  timeout,
			Stderr:   os.Stderr,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", consts.ErrTransportNotConfigured, cfg.Type)
	}
}

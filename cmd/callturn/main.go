package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/callturn/pkg/app"
	"github.com/harunnryd/callturn/pkg/config"
	"github.com/harunnryd/callturn/pkg/runner"
	"github.com/harunnryd/callturn/pkg/transports"
	"github.com/harunnryd/callturn/pkg/transports/twilio"
)

const usage = `usage: callturn <command> [flags]

commands:
  serve   run the voice server
  dial    place an outbound call that streams into a running server
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "dial":
		err = dial(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "callturn:", err)
		os.Exit(1)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "callturn.yaml", "path to the config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	// The app bounds its own drain; the runner's timeout only catches a hung
	// transport shutdown.
	r := runner.NewLifecycleRunner(a, runner.Hooks{
		OnStop: func() { slog.Info("callturn_stopped") },
	}, cfg.DrainTimeout()+10*time.Second)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func dial(args []string) error {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	configPath := fs.String("config", "callturn.yaml", "path to the config file")
	from := fs.String("from", "", "caller id, E.164")
	to := fs.String("to", "", "number to call, E.164")
	voiceURL := fs.String("voice_url", "", "override the voice webhook url")
	sendDigits := fs.String("send_digits", "", "DTMF digits to play once answered")
	timeout := fs.Int("timeout", 0, "ring timeout in seconds")
	_ = fs.Parse(args)
	if *from == "" || *to == "" {
		return errors.New("dial: -from and -to are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ResolveSecrets(ctx, &cfg, nil); err != nil {
		return err
	}
	tcfg, err := twilio.ConfigFromSettings(cfg.Transport.Settings)
	if err != nil {
		return err
	}
	callSID, err := twilio.NewDialer(tcfg).Dial(ctx, *to, *from, *voiceURL, transports.DialOptions{
		SendDigits: *sendDigits,
		Timeout:    *timeout,
	})
	if err != nil {
		return err
	}
	fmt.Println("call_sid:", callSID)
	return nil
}

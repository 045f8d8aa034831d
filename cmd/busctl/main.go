// busctl is a small operator tool for poking a bus: invoke a service method,
// follow a streaming method, or observe a destination.
//
//	busctl -config bus.toml request srv://calc sum '[1, 2, 39]'
//	busctl -config bus.toml stream srv://feed tail '["recent"]'
//	busctl -config bus.toml observe stream://ticker
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corewire/buskit/client"
	"github.com/corewire/buskit/internal/logging"
	"github.com/corewire/buskit/proxy"
)

func main() {
	logging.ConfigureRuntime()

	configPath := flag.String("config", "bus.toml", "path to the bus config")
	timeout := flag.Duration("timeout", 30*time.Second, "per-call timeout for request and stream")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	cl, err := client.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("client setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := cl.Connect(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	log.Info().Str("session", info.SessionID).Str("identity", info.Identity).Msg("connected")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cl.Disconnect(shutdownCtx, false)
	}()

	switch args[0] {
	case "request":
		err = runRequest(ctx, cl, args[1:], *timeout)
	case "stream":
		err = runStream(ctx, cl, args[1:], *timeout)
	case "observe":
		err = runObserve(ctx, cl, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: busctl [-config bus.toml] [-timeout 30s] <command>")
	fmt.Fprintln(os.Stderr, "  request <target> <method> [json-args]   invoke and print the reply")
	fmt.Fprintln(os.Stderr, "  stream  <target> <method> [json-args]   invoke and print each element")
	fmt.Fprintln(os.Stderr, "  observe <destination>                   print inbound events until interrupted")
}

func parseArgs(raw string) ([]any, error) {
	if raw == "" {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse json args: %w", err)
	}
	return args, nil
}

func runRequest(ctx context.Context, cl *client.Client, args []string, timeout time.Duration) error {
	if len(args) < 2 {
		return errors.New("request needs <target> <method> [json-args]")
	}
	callArgs, err := parseArgs(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	p, err := proxy.New(cl, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var result json.RawMessage
	if err := p.Invoke(ctx, args[1], callArgs, &result); err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func runStream(ctx context.Context, cl *client.Client, args []string, timeout time.Duration) error {
	if len(args) < 2 {
		return errors.New("stream needs <target> <method> [json-args]")
	}
	callArgs, err := parseArgs(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	p, err := proxy.New(cl, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := p.InvokeStream(ctx, args[1], callArgs)
	if err != nil {
		return err
	}
	defer st.Cancel()
	for {
		var elem json.RawMessage
		err := st.Next(ctx, &elem)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(string(elem))
	}
}

func runObserve(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("observe needs <destination>")
	}
	obs, err := cl.Observe(ctx, args[0])
	if err != nil {
		return err
	}
	defer obs.Cancel()
	for {
		ev, err := obs.Next(ctx)
		if err == io.EOF || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", ev.Destination, ev.Payload)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/repl"
	"IPv6-TCP/pkg/socket"
)

func main() {
	path := flag.String("config", "", "host configuration file (YAML)")
	flag.Parse()
	if *path == "" {
		fmt.Printf("Usage:  %s --config <file>\n", os.Args[0])
		os.Exit(1)
	}
	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	addr, err := cfg.Addr()
	if err != nil {
		return err
	}
	neighbors, err := cfg.Neighbors()
	if err != nil {
		return err
	}
	listen, err := cfg.ListenAddr()
	if err != nil {
		return err
	}

	shell, err := repl.New(nil)
	if err != nil {
		return err
	}
	log := cfg.Logger(shell.Stdout())

	link, err := ipstack.ListenUDP(listen, neighbors, log)
	if err != nil {
		return err
	}
	defer link.Close()

	stack := socket.New(cfg, ipstack.New(addr, link, cfg.MTU, log), log)
	shell.Attach(stack)
	log.Info().Stringer("addr", addr).Stringer("link", listen).Int("neighbors", len(neighbors)).Msg("host up")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Run(ctx) })
	g.Go(func() error {
		shell.Run(ctx, cancel)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "stack stopped")
	}
	return nil
}

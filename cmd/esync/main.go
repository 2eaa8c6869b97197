//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	enterrors "github.com/weaviate/esync/entities/errors"
	"github.com/weaviate/esync/usecases/indexsync"
)

const shutdownGrace = 30 * time.Second

// exit codes: 0 ok, 1 drift or partial failure (advisory), 2 unusable
// environment such as an unreachable backend.
const (
	exitOK       = 0
	exitAdvisory = 1
	exitFatal    = 2
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cliApp := &cli.App{
		Name:  "esync",
		Usage: "keep the search index consistent with primary storage",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "index",
				Usage:     "force a full re-index of every local entity",
				ArgsUsage: "[type]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "prune", Usage: "first delete orphaned remote documents"},
				},
				Action: withApp(logger, cmdIndex),
			},
			{
				Name:      "now",
				Usage:     "force a full re-index and block until the index verifies as current",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdNow),
			},
			{
				Name:      "refresh",
				Usage:     "re-index only stale or missing entities",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdRefresh),
			},
			{
				Name:      "prune",
				Usage:     "delete the remote documents of every local entity",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdPrune),
			},
			{
				Name:      "invalidate",
				Usage:     "mark every local entity stale to force a full re-sync",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdInvalidate),
			},
			{
				Name:      "delete-index",
				Usage:     "drop the remote index entirely",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdDeleteIndex),
			},
			{
				Name:      "patch",
				Usage:     "rebuild indexes whose live mapping drifted from the declared one",
				ArgsUsage: "[type]",
				Action:    withApp(logger, cmdPatch),
			},
			{
				Name:  "status",
				Usage: "report drift; empty output and exit 0 means fully synced",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "outdated", Value: true},
					&cli.BoolFlag{Name: "missing", Value: true},
					&cli.BoolFlag{Name: "active", Value: true},
					&cli.BoolFlag{Name: "health", Value: true},
				},
				Action: withApp(logger, cmdStatus),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.WithError(err).Error("command failed")
		if errors.Is(err, enterrors.ErrUnreachable) {
			os.Exit(exitFatal)
		}
		os.Exit(exitAdvisory)
	}
}

// withApp bootstraps the subsystem around the command and drains background
// work afterwards.
func withApp(logger *logrus.Logger,
	run func(ctx context.Context, c *cli.Context, a *app) error,
) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx := c.Context

		a, err := bootstrap(ctx, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			a.close(closeCtx)
		}()

		return run(ctx, c, a)
	}
}

func cmdIndex(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	opts := indexsync.IndexAllOptions{
		Prune: c.Bool("prune"),
		Force: true,
	}
	for _, typ := range types {
		n, err := a.reconciler.IndexAll(ctx, typ, opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s: indexed %d\n", typ.Name, n)
	}
	return nil
}

func cmdNow(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		n, err := a.reconciler.IndexAll(ctx, typ,
			indexsync.IndexAllOptions{Force: true})
		if err != nil {
			return err
		}
		fmt.Printf("%s: indexed %d\n", typ.Name, n)
	}
	return a.coord.Verify(ctx, a.cfg.VerifyTimeout)
}

func cmdRefresh(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		n, err := a.reconciler.IndexAll(ctx, typ,
			indexsync.IndexAllOptions{Update: true})
		if err != nil {
			return err
		}
		fmt.Printf("%s: refreshed %d\n", typ.Name, n)
	}
	return nil
}

func cmdPrune(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		n, err := a.reconciler.PruneAll(ctx, typ)
		if err != nil {
			return err
		}
		fmt.Printf("%s: pruned %d\n", typ.Name, n)
	}
	return nil
}

func cmdInvalidate(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		n, err := a.reconciler.InvalidateAll(ctx, typ)
		if err != nil {
			return err
		}
		fmt.Printf("%s: invalidated %d\n", typ.Name, n)
	}
	return nil
}

func cmdDeleteIndex(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		if err := a.reconciler.DeleteIndex(ctx, typ); err != nil {
			return err
		}
		fmt.Printf("%s: index %s deleted\n", typ.Name, typ.Index)
	}
	return nil
}

func cmdPatch(ctx context.Context, c *cli.Context, a *app) error {
	types, err := a.types(c.Args().First())
	if err != nil {
		return err
	}
	for _, typ := range types {
		res, err := a.guard.Patch(ctx, typ)
		if err != nil {
			return err
		}
		if res.UpToDate {
			fmt.Printf("%s: mapping up to date\n", typ.Index)
			continue
		}
		for _, d := range res.Diff {
			fmt.Printf("%s: drift %s\n", typ.Index, d)
		}
		fmt.Printf("%s: rebuilt, %d documents re-enqueued\n",
			typ.Index, res.Reindexed)
	}
	return nil
}

func cmdStatus(ctx context.Context, c *cli.Context, a *app) error {
	report, err := a.reconciler.Status(ctx, indexsync.StatusOptions{
		Outdated: c.Bool("outdated"),
		Missing:  c.Bool("missing"),
		Active:   c.Bool("active"),
		Health:   c.Bool("health"),
	})
	if err != nil {
		return err
	}
	if len(report) == 0 {
		return nil
	}

	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%v\n", k, report[k])
	}
	return cli.Exit("", exitAdvisory)
}

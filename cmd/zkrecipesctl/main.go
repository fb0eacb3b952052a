// Command zkrecipesctl is a small demo CLI exercising the group, candidate,
// serverset, and partition packages against a live ZooKeeper ensemble.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/segmentfault/zkrecipes/candidate"
	"github.com/segmentfault/zkrecipes/group"
	"github.com/segmentfault/zkrecipes/partition"
	"github.com/segmentfault/zkrecipes/serverset"
	"github.com/segmentfault/zkrecipes/session"
)

var (
	zkFlag     string
	prefixFlag string
	logger     = logrus.StandardLogger()
)

func main() {
	root := &cobra.Command{
		Use:   "zkrecipesctl",
		Short: "Exercise zkrecipes group/candidate/serverset/partition recipes against a ZooKeeper ensemble",
	}
	root.PersistentFlags().StringVarP(&zkFlag, "zk", "z", "localhost:2181", "comma-separated zookeeper connection string")
	root.PersistentFlags().StringVar(&prefixFlag, "prefix", "member_", "member node prefix")

	root.AddCommand(joinCmd(), watchCmd(), electCmd(), partitionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*session.Session, error) {
	return session.NewSessionWithOpts(
		session.WithZookeepers(strings.Split(zkFlag, ",")),
		session.WithLogger(logger),
	)
}

func waitForInterrupt(ctx context.Context, cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		cancel()
	case <-ctx.Done():
	}
}

func joinCmd() *cobra.Command {
	var path, host string
	var port int
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a group, publishing a service instance, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithCancel(context.Background())
			g := group.New(sess, path, nil, prefixFlag)
			set := serverset.New(g)

			handle, err := set.Join(ctx, serverset.Endpoint{Host: host, Port: port}, nil, nil)
			if err != nil {
				return err
			}
			logger.Infof("joined %s as %s:%d", path, host, port)

			waitForInterrupt(ctx, cancel)
			return handle.Leave(context.Background())
		},
	}
	cmd.Flags().StringVar(&path, "path", "/services/demo", "group path")
	cmd.Flags().StringVar(&host, "host", "localhost", "published host")
	cmd.Flags().IntVar(&port, "port", 8080, "published port")
	return cmd
}

func watchCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a server set, printing the live instance set on every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithCancel(context.Background())
			g := group.New(sess, path, nil, prefixFlag)
			set := serverset.New(g)

			stop, err := set.Watch(ctx, func(instances []serverset.ServiceInstance) {
				fmt.Printf("[%s] %d instance(s)\n", time.Now().Format(time.RFC3339), len(instances))
				for _, i := range instances {
					fmt.Printf("  %s shard=%v\n", i.ServiceEndpoint, i.Shard)
				}
			})
			if err != nil {
				return err
			}
			defer stop()

			waitForInterrupt(ctx, cancel)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "/services/demo", "group path")
	return cmd
}

func electCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "elect",
		Short: "Offer leadership for a singleton service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithCancel(context.Background())
			g := group.New(sess, path, nil, "singleton_candidate_")
			c := candidate.New(g)

			leader := candidate.Leader{
				OnElected: func(abdicate func()) {
					logger.Info("elected leader")
				},
				OnDefeated: func() {
					logger.Info("defeated")
				},
			}

			_, stop, err := c.OfferLeadership(ctx, leader, nil)
			if err != nil {
				return err
			}

			waitForInterrupt(ctx, cancel)
			return stop(context.Background())
		},
	}
	cmd.Flags().StringVar(&path, "path", "/services/demo", "group path")
	return cmd
}

func partitionCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Join a partitioned group and print the current (index, size) pair until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, cancel := context.WithCancel(context.Background())
			g := group.New(sess, path, nil, prefixFlag)

			p, err := partition.Join(ctx, g, nil)
			if err != nil {
				return err
			}
			defer p.Leave(context.Background())

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			go func() {
				for range ticker.C {
					fmt.Printf("index=%d size=%d\n", p.Index(), p.NumPartitions())
				}
			}()

			waitForInterrupt(ctx, cancel)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "/partitions/demo", "group path")
	return cmd
}

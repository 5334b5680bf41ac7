package cli

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fluentloop/synapse/internal/taskq"
)

func (a *app) trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train <task>",
		Short: "Enqueue a training task",
		Long: "Enqueue a training task on the Redis stream. A running server\n" +
			"picks it up; tasks: " + strings.Join(taskq.KnownTasks, ", ") + ".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !taskq.IsKnownTask(name) {
				return fmt.Errorf("unknown task %q (known: %s)", name, strings.Join(taskq.KnownTasks, ", "))
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				DB:       a.cfg.Redis.DB,
				Password: a.cfg.Redis.Password,
			})
			defer rdb.Close()

			q := taskq.NewQueue(rdb, a.log)
			id, err := q.Enqueue(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", name, id)
			return nil
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/buildbarn/bonanza/pkg/leaseclient"
	"github.com/buildbarn/bonanza/pkg/simulator"
	"github.com/buildbarn/bonanza/pkg/submitter"
	"github.com/buildbarn/bonanza/pkg/workerclient"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func simulateCmd() *cobra.Command {
	var numTasks int
	var numWorkers int
	var schedulingClasses uint
	var maxTasksInFlightPerWorker int
	var processingLatency time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the submitter core against an in-memory simulated cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schedulingClasses == 0 {
				return fmt.Errorf("--scheduling-classes must be at least 1")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			submitterConfig, err := cfg.Submitter.ToSubmitterConfig()
			if err != nil {
				return err
			}
			submitterConfig.Role = submitter.RoleDriver
			submitterConfig.MaxTasksInFlightPerWorker = maxTasksInFlightPerWorker
			submitterConfig.LocalRayletAddress = submitter.RayletAddress("sim-raylet:0")

			cluster := simulator.NewCluster(submitterConfig.LocalRayletAddress, numWorkers, processingLatency)
			finisher := simulator.NewFinisher(numTasks)

			registry := prometheus.NewRegistry()
			metrics := submitter.NewMetrics(registry)

			sub := submitter.NewSubmitter(submitterConfig, submitter.Collaborators{
				Clock:              systemClock{},
				UUIDGenerator:      uuid.NewRandom,
				DependencyResolver: simulator.ImmediateDependencyResolver{},
				ActorCreator:       simulator.NoActorCreator{},
				TaskFinisher:       finisher,
				LeasePolicy:        cluster,
				LeaseClients:       leaseclient.NewPool(cluster.LeaseClientFactory()),
				WorkerClients:      workerclient.NewCache(cluster.WorkerClientFactory()),
				ProcessExit:        func(code int) { logrus.Fatalf("simulated local raylet died, exiting with code %d", code) },
				Metrics:            metrics,
			})

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			for i := 0; i < numTasks; i++ {
				task := &submitter.TaskSpec{
					ID:              submitter.TaskID(fmt.Sprintf("sim-task-%d", i)),
					JobID:           submitterConfig.JobID,
					SchedulingClass: uint64(i % int(schedulingClasses)),
					ResourceSpec:    submitter.ResourceSpec{"CPU": 1},
				}
				finisher.RegisterSpec(task)
				sub.Submit(ctx, task)
			}

			select {
			case <-finisher.Done():
				logrus.WithField("num_tasks", numTasks).Info("simulation completed")
			case <-time.After(timeout):
				return fmt.Errorf("simulation timed out after %s waiting for %d tasks", timeout, numTasks)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&numTasks, "tasks", 20, "Number of tasks to submit")
	cmd.Flags().IntVar(&numWorkers, "workers", 4, "Number of simulated workers")
	cmd.Flags().UintVar(&schedulingClasses, "scheduling-classes", 1, "Number of distinct scheduling classes to spread tasks across")
	cmd.Flags().IntVar(&maxTasksInFlightPerWorker, "max-in-flight", 4, "Maximum pipelined tasks per leased worker")
	cmd.Flags().DurationVar(&processingLatency, "task-latency", 50*time.Millisecond, "Simulated per-task processing time")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the simulated workload to finish")

	return cmd
}

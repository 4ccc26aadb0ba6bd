// Package cli is the bcda-export command line: one-shot export runs, status
// and cancellation of checkpointed workflows, and the API and worker servers.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/database"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/export/monitoring"
	"github.com/CMSgov/bcda-export/export/output"
	"github.com/CMSgov/bcda-export/export/queueing"
	"github.com/CMSgov/bcda-export/export/web"
	"github.com/CMSgov/bcda-export/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// App Name and usage.  Edit them here to prevent breaking tests
const Name = "bcda-export"
const Usage = "BCDA bulk data export orchestrator"

// exit code of a workflow that ran and failed, as opposed to a usage or
// infrastructure error.
const workflowFailedCode = 2

type workerConfig struct {
	HealthIntervalSec int `conf:"WORKER_HEALTH_INT_SEC"`
}

type apiConfig struct {
	Port         int `conf:"BCDA_API_PORT" conf_default:"3000"`
	ReadTimeout  int `conf:"API_READ_TIMEOUT" conf_default:"10"`
	WriteTimeout int `conf:"API_WRITE_TIMEOUT" conf_default:"20"`
	IdleTimeout  int `conf:"API_IDLE_TIMEOUT" conf_default:"120"`
}

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Version = log.Version
	app.Before = func(c *cli.Context) error {
		log.SetupLoggers()
		return nil
	}

	var instanceID string
	var enqueue, all bool
	var threshold int
	var dest string
	app.Commands = []cli.Command{
		{
			Name:     "start-export",
			Category: "Workflows",
			Usage:    "Create an export workflow and run it to completion",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:        "enqueue",
					Usage:       "Hand the workflow to the worker pool instead of running it here",
					Destination: &enqueue,
				},
			},
			Action: func(c *cli.Context) error {
				ctx, stop := signalContext()
				defer stop()

				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				id, err := rt.workflows.Start(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "%s\n", id)

				if enqueue {
					return enqueueWorkflow(ctx, id)
				}
				return runWorkflow(ctx, app, rt, id)
			},
		},
		{
			Name:     "resume-export",
			Category: "Workflows",
			Usage:    "Resume an interrupted export workflow from its checkpoint",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "id",
					Usage:       "Instance ID of the workflow",
					Destination: &instanceID,
				},
				cli.BoolFlag{
					Name:        "all",
					Usage:       "Resume every interrupted workflow",
					Destination: &all,
				},
			},
			Action: func(c *cli.Context) error {
				if instanceID == "" && !all {
					return errors.New("one of --id or --all must be provided")
				}

				ctx, stop := signalContext()
				defer stop()

				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				ids := []string{instanceID}
				if all {
					if ids, err = rt.workflows.Interrupted(ctx); err != nil {
						return err
					}
				}

				var failed error
				for _, id := range ids {
					if err := runWorkflow(ctx, app, rt, id); err != nil {
						if ctx.Err() != nil {
							return err
						}
						fmt.Fprintf(app.Writer, "%s: %s\n", id, err)
						failed = err
					}
				}
				return failed
			},
		},
		{
			Name:     "export-status",
			Category: "Workflows",
			Usage:    "Show the checkpointed state of a workflow, or list interrupted workflows",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "id",
					Usage:       "Instance ID of the workflow",
					Destination: &instanceID,
				},
			},
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				if instanceID == "" {
					ids, err := rt.workflows.Interrupted(ctx)
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Fprintf(app.Writer, "%s\n", id)
					}
					return nil
				}

				cp, err := rt.workflows.Status(ctx, instanceID)
				if err != nil {
					return err
				}
				return printJSON(app, newStatusView(cp))
			},
		},
		{
			Name:     "cancel-export",
			Category: "Workflows",
			Usage:    "Request cancellation of a workflow",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "id",
					Usage:       "Instance ID of the workflow",
					Destination: &instanceID,
				},
			},
			Action: func(c *cli.Context) error {
				if instanceID == "" {
					return errors.New("instance ID (--id) must be provided")
				}
				ctx := context.Background()
				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.workflows.Cancel(ctx, instanceID); err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "%s\n", "Cancellation requested")
				return nil
			},
		},
		{
			Name:     "export-files",
			Category: "Workflows",
			Usage:    "Write the files fetched by a completed workflow to a directory or s3:// prefix",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "id",
					Usage:       "Instance ID of the workflow",
					Destination: &instanceID,
				},
				cli.StringFlag{
					Name:        "dest",
					Usage:       "Destination directory or s3://bucket/prefix, defaults to BCDA_EXPORT_OUTPUT",
					Destination: &dest,
				},
			},
			Action: func(c *cli.Context) error {
				if instanceID == "" {
					return errors.New("instance ID (--id) must be provided")
				}
				var outCfg outputConfig
				if err := conf.Checkout(&outCfg); err != nil {
					return err
				}
				if dest == "" {
					dest = outCfg.Dest
				}

				ctx := context.Background()
				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				cp, err := rt.workflows.Status(ctx, instanceID)
				if err != nil {
					return err
				}
				w, err := output.NewFileWriter(dest, outCfg.S3Endpoint, rt.awsSession, log.Export)
				if err != nil {
					return err
				}
				locations, err := output.WriteDocuments(ctx, w, cp)
				if err != nil {
					return err
				}
				for _, l := range locations {
					fmt.Fprintf(app.Writer, "%s\n", l)
				}
				return nil
			},
		},
		{
			Name:     "cleanup-workflows",
			Category: "Cleanup",
			Usage:    "Delete the checkpoints of finished workflows older than the threshold",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:        "threshold",
					Value:       24,
					Usage:       "How many hours a finished workflow is kept",
					Destination: &threshold,
				},
			},
			Action: func(c *cli.Context) error {
				if threshold < 0 {
					return errors.New("threshold must not be negative")
				}
				ctx := context.Background()
				rt, err := newRuntime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()

				ids, err := rt.workflows.Purge(ctx, time.Duration(threshold)*time.Hour)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(app.Writer, "%s\n", id)
				}
				return nil
			},
		},
		{
			Name:  "start-api",
			Usage: "Start the export trigger API",
			Action: func(c *cli.Context) error {
				ctx, stop := signalContext()
				defer stop()
				return startAPI(ctx, app)
			},
		},
		{
			Name:  "start-worker",
			Usage: "Start a worker that runs queued export workflows",
			Action: func(c *cli.Context) error {
				ctx, stop := signalContext()
				defer stop()
				return startWorker(ctx, app)
			},
		},
		{
			Name:  "migrate",
			Usage: "Apply the export database migrations",
			Action: func(c *cli.Context) error {
				cfg, err := database.LoadConfig()
				if err != nil {
					return err
				}
				if err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
					return err
				}
				fmt.Fprintf(app.Writer, "%s\n", "Migrations applied")
				return nil
			},
		},
	}
	return app
}

func runWorkflow(ctx context.Context, app *cli.App, rt *runtime, id string) error {
	result, err := rt.workflows.Run(ctx, id)
	if err != nil {
		if ctx.Err() == nil && bcdaerrors.KindOf(err) != bcdaerrors.KindInternal {
			return cli.NewExitError(err.Error(), workflowFailedCode)
		}
		return err
	}
	return printJSON(app, result)
}

func enqueueWorkflow(ctx context.Context, id string) error {
	var cfg database.Config
	if err := conf.Checkout(&cfg); err != nil {
		return err
	}
	pool, err := database.QueueConnection(&cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return queueing.NewEnqueuer(pool).AddWorkflow(ctx, id)
}

func startAPI(ctx context.Context, app *cli.App) error {
	var cfg apiConfig
	if err := conf.Checkout(&cfg); err != nil {
		return err
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var enqueuer queueing.Enqueuer
	var dbCfg database.Config
	if err := conf.Checkout(&dbCfg); err != nil {
		return err
	}
	if dbCfg.QueueDatabaseURL != "" {
		pool, err := database.QueueConnection(&dbCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		enqueuer = queueing.NewEnqueuer(pool)
	}

	timer := monitoring.GetTimer()
	defer timer.Close()

	handler := web.NewHandler(rt.workflows, enqueuer)
	handler.SetHealthChecker(rt.health)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      web.NewAPIRouter(handler, timer),
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}

	fmt.Fprintf(app.Writer, "%s\n", "Starting bcda-export API...")
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		handler.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	handler.Close()
	return err
}

func startWorker(ctx context.Context, app *cli.App) error {
	qCfg, err := queueing.LoadConfig()
	if err != nil {
		return err
	}
	var wCfg workerConfig
	if err := conf.Checkout(&wCfg); err != nil {
		return err
	}
	var dbCfg database.Config
	if err := conf.Checkout(&dbCfg); err != nil {
		return err
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	pool, err := database.QueueConnection(&dbCfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Writer, "%s\n", "Starting bcda-export worker...")
	q := queueing.StartQue(log.Worker, rt.workflows, pool, qCfg)
	if wCfg.HealthIntervalSec > 0 {
		go rt.health.LogEvery(ctx, log.Health, time.Duration(wCfg.HealthIntervalSec)*time.Second)
	}
	<-ctx.Done()
	q.StopQue()
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM. Workflows interrupted this
// way keep their checkpoint and can be resumed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type statusView struct {
	ID              string               `json:"id"`
	State           models.WorkflowState `json:"state"`
	CancelRequested bool                 `json:"cancel_requested,omitempty"`
	JobLocation     string               `json:"job_location,omitempty"`
	Outputs         []string             `json:"outputs,omitempty"`
	Fetched         int                  `json:"fetched"`
	FetchErrors     []string             `json:"fetch_errors,omitempty"`
	ErrorKind       string               `json:"error_kind,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func newStatusView(cp *checkpoint.Checkpoint) statusView {
	v := statusView{
		ID:              cp.InstanceID,
		State:           cp.State,
		CancelRequested: cp.CancelRequested,
		JobLocation:     cp.JobLocation,
		Fetched:         len(cp.Documents),
		FetchErrors:     cp.FetchErrors,
		ErrorKind:       cp.ErrorKind,
		ErrorMessage:    cp.ErrorMessage,
		UpdatedAt:       cp.UpdatedAt,
	}
	if cp.Job != nil {
		for _, f := range cp.Job.Outputs {
			v.Outputs = append(v.Outputs, f.Marker())
		}
	}
	return v
}

func printJSON(app *cli.App, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Writer, "%s\n", out)
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/optobench/internal/api"
	"github.com/banshee-data/optobench/internal/bench"
	"github.com/banshee-data/optobench/internal/config"
	"github.com/banshee-data/optobench/internal/db"
	"github.com/banshee-data/optobench/internal/report"
	"github.com/banshee-data/optobench/internal/sweep"
)

type options struct {
	configPath string
	server     string
	dev        bool
	dbPath     string
	rangeSpec  string
	module     int
	delay      time.Duration
	plotPath   string
	chartPath  string
	poll       time.Duration
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON configuration file")
	fs.StringVar(&o.server, "server", "", "Run the sweep on a remote optobench server (e.g. http://bench:8080)")
	fs.BoolVar(&o.dev, "dev", false, "Run against simulated instruments")
	fs.StringVar(&o.dbPath, "db", "", "Index the run in this database (local mode only)")
	fs.StringVar(&o.rangeSpec, "range", "", "Current range in mA as start:stop:step (e.g. 0:100:5)")
	fs.IntVar(&o.module, "module", 0, "Power meter module to read")
	fs.DurationVar(&o.delay, "delay", -1, "Stabilization delay per step (defaults to config)")
	fs.StringVar(&o.plotPath, "plot", "", "Write a PNG plot of the run to this path")
	fs.StringVar(&o.chartPath, "chart", "", "Write an interactive HTML chart of the run to this path")
	fs.DurationVar(&o.poll, "poll", 500*time.Millisecond, "Status poll interval in remote mode")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.rangeSpec == "" {
		return o, errors.New("-range is required")
	}
	if o.server != "" && (o.dev || o.dbPath != "") {
		return o, errors.New("-dev and -db apply to local runs only")
	}
	return o, nil
}

// params builds the sweep parameters, taking the delay from cfg when the
// flag was not given.
func (o options) params(cfg *config.Config) (sweep.Params, error) {
	p := sweep.Params{Module: o.module}
	if err := p.ParseRange(o.rangeSpec); err != nil {
		return p, err
	}
	delay := o.delay
	if delay < 0 {
		delay = cfg.GetStabilizationDelay()
	}
	p.StabilizationDelayMS = int(delay.Milliseconds())
	return p, p.Validate()
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	cfg := config.Empty()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
	}
	p, err := o.params(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var run *sweep.Run
	if o.server != "" {
		run, err = runRemote(ctx, o, p, os.Stdout)
	} else {
		run, err = runLocal(ctx, o, cfg, p, os.Stdout)
	}
	if run != nil {
		if perr := writeReports(o, run, os.Stdout); perr != nil {
			log.Printf("failed to write report: %v", perr)
		}
	}
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
}

func runLocal(ctx context.Context, o options, cfg *config.Config, p sweep.Params, out io.Writer) (*sweep.Run, error) {
	opts := bench.Options{Simulate: o.dev}
	if o.dbPath != "" {
		database, err := db.NewDB(o.dbPath)
		if err != nil {
			return nil, err
		}
		defer database.Close()
		opts.Recorder = db.NewRunStore(database)
	}

	b, err := bench.Open(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}

	id, points := b.Points.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n := 0
		for rec := range points {
			n++
			fmt.Fprintf(out, "[%d/%d] %8.3f mA  %s\n", n, p.StepCount(), rec.CurrentMA, rec.Power)
		}
	}()

	run, err := b.Lab.RunSweep(ctx, p)
	b.Points.Unsubscribe(id)
	<-done
	if run != nil && run.ArtifactPath != "" {
		fmt.Fprintf(out, "data written to %s\n", run.ArtifactPath)
	}
	return run, err
}

func runRemote(ctx context.Context, o options, p sweep.Params, out io.Writer) (*sweep.Run, error) {
	c := api.NewClient(o.server)
	if _, err := c.StartSweep(ctx, p); err != nil {
		return nil, err
	}

	last := -1
	st, err := c.WaitSweep(ctx, o.poll, func(s sweep.RunnerState) {
		if s.CompletedSteps != last && s.Run != nil {
			last = s.CompletedSteps
			fmt.Fprintf(out, "[%d/%d] %s\n", s.CompletedSteps, s.Run.TotalSteps, s.Run.State)
		}
	})
	if err != nil {
		// Interrupted: abort the remote sweep too.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, serr := c.StopSweep(stopCtx); serr != nil {
			log.Printf("failed to stop remote sweep: %v", serr)
		}
		return nil, err
	}
	if st.Run == nil {
		return nil, errors.New("server reported no run")
	}
	if st.Run.ArtifactPath != "" {
		fmt.Fprintf(out, "data written to %s on %s\n", st.Run.ArtifactPath, o.server)
	}
	if st.Status == sweep.RunnerAborted {
		return st.Run, errors.New(st.Run.Error)
	}
	return st.Run, nil
}

func writeReports(o options, run *sweep.Run, out io.Writer) error {
	if sum, err := report.Summarize(run.Records); err == nil {
		fmt.Fprintf(out, "peak %.3f dBm at %.3f mA\n", sum.PeakPowerDBm, sum.PeakCurrentMA)
		if sum.ThresholdMA != nil && sum.SlopeMWPerMA != nil {
			fmt.Fprintf(out, "threshold %.2f mA, slope efficiency %.4f mW/mA\n", *sum.ThresholdMA, *sum.SlopeMWPerMA)
		}
	}

	if o.plotPath != "" {
		if err := writeFile(o.plotPath, func(w io.Writer) error {
			return report.RenderPNG(w, "Run "+run.ID, run.Records)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "plot written to %s\n", o.plotPath)
	}
	if o.chartPath != "" {
		if err := writeFile(o.chartPath, func(w io.Writer) error {
			return report.RenderHTML(w, run.Records, report.ChartOptions{Title: "Run " + run.ID})
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "chart written to %s\n", o.chartPath)
	}
	return nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

/**
 * pageocr - one-shot local page OCR
 *
 * Runs the worker pipeline in-process and prints every job event as a JSON
 * line on stdout. Logs go to stderr.
 *
 *   pageocr [flags] page1.png page2.png ...
 *   pageocr -stdin < commands.jsonl
 *   pageocr -enqueue [-stdin | page1.png ...]
 *   pageocr -status <jobId>
 *
 * In -stdin mode each line is a submission object, or {"cancel": <jobId>}.
 * Output is filtered to the newest submitted job, so results of superseded
 * jobs never appear after a newer job was submitted.
 *
 * With -enqueue the commands are sent to the worker queue instead and the
 * task ids are printed. -status prints the worker's stored status for a job,
 * plus the ledger row when DATABASE_URL is set.
 */

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adverant/nexus/docprep-worker/internal/config"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/processor"
	"github.com/adverant/nexus/docprep-worker/internal/queue"
	"github.com/adverant/nexus/docprep-worker/internal/recognition/tesseract"
	"github.com/adverant/nexus/docprep-worker/internal/render"
	"github.com/adverant/nexus/docprep-worker/internal/storage"
	"github.com/joho/godotenv"
)

// command is one -stdin line
type command struct {
	processor.Submission
	Cancel *int64 `json:"cancel,omitempty"`
}

// tracker waits for terminals of accepted jobs
type tracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	done   map[int64]processor.EventType
	failed bool
}

func newTracker() *tracker {
	t := &tracker{done: make(map[int64]processor.EventType)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *tracker) finish(e processor.Event) {
	t.mu.Lock()
	t.done[e.JobID] = e.Type
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *tracker) wait(ids []int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		for {
			typ, ok := t.done[id]
			if ok {
				if typ == processor.EventError {
					t.failed = true
				}
				break
			}
			t.cond.Wait()
		}
	}
	return !t.failed
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("pageocr", flag.ContinueOnError)
	var (
		fromStdin    = fs.Bool("stdin", false, "read submissions and cancellations as JSON lines from stdin")
		enqueue      = fs.Bool("enqueue", false, "send commands to the worker queue instead of running locally")
		statusOf     = fs.Int64("status", 0, "print the stored status of a job and exit")
		jobID        = fs.Int64("job", 1, "job id for positional pages")
		lang         = fs.String("lang", "", "tesseract language(s), e.g. eng+deu")
		quality      = fs.String("quality", "fast", "quality mode: fast or high_accuracy")
		scale        = fs.Float64("scale", 0, "render scale override")
		psm          = fs.Int("psm", processor.DefaultPageSegMode, "tesseract page segmentation mode")
		mask         = fs.String("mask", "auto", "image masking: off, auto or on")
		cropMode     = fs.String("crop", "off", "text-column crop: off, auto or on")
		skipDiagrams = fs.Bool("skip-diagrams", true, "blank side tree diagrams before recognition")
		dropCaptions = fs.Bool("drop-captions", false, "drop lines over figure regions")
		backfill     = fs.Bool("backfill", false, "re-recognize bands of truncated lines")
		hints        = fs.String("hints", "", "PDF whose text layer supplies layout hints for the pages")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pageocr: %v\n", err)
		return 2
	}
	logger := logging.NewLoggerTo(os.Stderr, "pageocr", logging.ParseLevel(cfg.LogLevel))

	if *statusOf > 0 {
		return showStatus(cfg, *statusOf, stdout, logger)
	}

	var positional *processor.Submission
	if !*fromStdin {
		pages := fs.Args()
		if len(pages) == 0 {
			fmt.Fprintln(os.Stderr, "usage: pageocr [flags] page-image... | pageocr -stdin | pageocr -status id")
			return 2
		}
		indexes := make([]int, len(pages))
		for i := range pages {
			indexes[i] = i
		}
		psmValue := *psm
		positional = &processor.Submission{
			JobID:          *jobID,
			PageSourceRefs: pages,
			DocumentRef:    *hints,
			PageIndexes:    indexes,
			Options: processor.Options{
				Language:             *lang,
				QualityMode:          *quality,
				Scale:                *scale,
				PageSegmentationMode: &psmValue,
				MaskImages:           *mask,
				CropMode:             *cropMode,
				SkipDiagrams:         skipDiagrams,
				DropFigureCaptions:   *dropCaptions,
				Backfill:             *backfill,
			},
		}
	}
	commands := func(fn func(command)) {
		if positional != nil {
			fn(command{Submission: *positional})
			return
		}
		readCommands(stdin, logger, fn)
	}

	if *enqueue {
		return enqueueAll(cfg, commands, stdout, logger)
	}
	return runLocal(cfg, commands, stdout, logger)
}

// readCommands calls fn for every well-formed JSON line of r
func readCommands(r io.Reader, logger *logging.Logger, fn func(command)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil {
			logger.Warn("Skipping malformed line", "error", err)
			continue
		}
		fn(cmd)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Failed to read stdin", "error", err)
	}
}

func runLocal(cfg *config.Config, commands func(func(command)), stdout io.Writer, logger *logging.Logger) int {
	var encMu sync.Mutex
	enc := json.NewEncoder(stdout)
	output := processor.NewEpochFilter(processor.SinkFunc(func(e processor.Event) {
		encMu.Lock()
		defer encMu.Unlock()
		if err := enc.Encode(e); err != nil {
			logger.Error("Failed to write event", "error", err)
		}
	}))
	jobs := newTracker()

	renderer := render.NewRenderer(render.NewImageProvider())
	renderer.ScaleFast = cfg.ScaleFast
	renderer.ScaleAccurate = cfg.ScaleAccurate
	renderer.MaxPixels = cfg.MaxRenderPixels

	controller, err := processor.NewController(processor.ControllerConfig{
		Renderer: renderer,
		Engine:   tesseract.NewEngine(),
		Sink: processor.SinkFunc(func(e processor.Event) {
			output.Emit(e)
			if e.Terminal() {
				jobs.finish(e)
			}
		}),
		Hints:    render.NewPDFHintReader(),
		Logger:   logger,
		Settings: cfg.Settings,
	})
	if err != nil {
		logger.Error("Failed to start controller", "error", err)
		return 1
	}
	defer controller.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		controller.Close()
	}()

	var accepted []int64
	commands(func(cmd command) {
		if cmd.Cancel != nil {
			controller.Cancel(*cmd.Cancel)
			return
		}
		output.Advance(cmd.JobID)
		if err := controller.Submit(cmd.Submission); err != nil {
			logger.Warn("Submission rejected", "job_id", cmd.JobID, "error", err)
			return
		}
		accepted = append(accepted, cmd.JobID)
	})

	if len(accepted) == 0 {
		return 1
	}
	if !jobs.wait(accepted) {
		return 1
	}
	return 0
}

// enqueued is printed for every task sent in -enqueue mode
type enqueued struct {
	JobID  int64  `json:"jobId"`
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

func enqueueAll(cfg *config.Config, commands func(func(command)), stdout io.Writer, logger *logging.Logger) int {
	client, err := queue.NewClient(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		logger.Error("Failed to create queue client", "error", err)
		return 1
	}
	defer client.Close()

	enc := json.NewEncoder(stdout)
	failed := false
	commands(func(cmd command) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out := enqueued{JobID: cmd.JobID, Type: queue.TypeSubmit}
		if cmd.Cancel != nil {
			out = enqueued{JobID: *cmd.Cancel, Type: queue.TypeCancel}
			out.TaskID, err = client.Cancel(ctx, *cmd.Cancel)
		} else {
			out.TaskID, err = client.Submit(ctx, cmd.Submission)
		}
		if err != nil {
			logger.Error("Failed to enqueue", "job_id", out.JobID, "type", out.Type, "error", err)
			failed = true
			return
		}
		if err := enc.Encode(out); err != nil {
			logger.Error("Failed to write task id", "error", err)
		}
	})
	if failed {
		return 1
	}
	return 0
}

func showStatus(cfg *config.Config, jobID int64, stdout io.Writer, logger *logging.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	publisher, err := queue.NewPublisher(cfg.RedisURL, cfg.QueueName, logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		return 1
	}
	defer publisher.Close()

	rec, err := publisher.Status(ctx, jobID)
	if err != nil {
		logger.Error("Failed to read status", "job_id", jobID, "error", err)
		return 1
	}
	report := map[string]interface{}{"jobId": jobID, "status": rec}

	if cfg.DatabaseURL != "" {
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("Ledger unavailable", "error", err)
		} else {
			defer db.Close()
			row, err := db.GetJobByID(ctx, jobID)
			if err != nil {
				logger.Warn("Ledger lookup failed", "job_id", jobID, "error", err)
			} else {
				report["ledger"] = row
			}
		}
	}

	if err := json.NewEncoder(stdout).Encode(report); err != nil {
		logger.Error("Failed to write status", "error", err)
		return 1
	}
	if rec == nil && report["ledger"] == nil {
		return 1
	}
	return 0
}

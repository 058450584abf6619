package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coiltrain/internal/config"
	"coiltrain/internal/model"
	"coiltrain/internal/nn"
	"coiltrain/internal/sim"
	"coiltrain/internal/storage"
	"coiltrain/internal/tuning"
	"coiltrain/pkg/coiltrain"
)

const defaultDBPath = "coiltrain.db"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("coilctl", flag.ContinueOnError)
	logLevel := global.String("log-level", "warn", "log level: debug|info|warn|error")
	if err := global.Parse(args); err != nil {
		return err
	}
	args = global.Args()
	if len(args) == 0 {
		return usageError("missing command")
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	switch args[0] {
	case "validate":
		return runValidate(ctx, logger, args[1:])
	case "print":
		return runPrint(ctx, logger, args[1:])
	case "heads":
		return runHeads(ctx, logger, args[1:])
	case "schedule":
		return runSchedule(ctx, logger, args[1:])
	case "sweep":
		return runSweep(ctx, logger, args[1:])
	case "runs":
		return runRuns(ctx, logger, args[1:])
	case "history":
		return runHistory(ctx, logger, args[1:])
	case "crop":
		return runCrop(ctx, logger, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// newLogger writes human-readable logs to stderr so stdout stays
// parseable.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func runValidate(_ context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config")
	allowUnknown := fs.Bool("allow-unknown", false, "log unknown keys instead of rejecting them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("validate requires --config")
	}

	cfg, err := config.LoadFile(*configPath, config.WithLogger(logger), config.WithAllowUnknownKeys(*allowUnknown))
	if err != nil {
		return reportConfigError(err)
	}
	fmt.Printf("valid model_type=%s branches=%d targets=%s loss_function=%s learning_rate=%g\n",
		cfg.Model.ModelType,
		cfg.Model.Branches.NumberOfBranches,
		strings.Join(cfg.Model.Targets, ","),
		cfg.Loss.LossFunction,
		cfg.Optimizer.LearningRate,
	)
	return nil
}

// reportConfigError prints one line per issue and collapses them into a
// single error for the exit status.
func reportConfigError(err error) error {
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		return err
	}
	for _, issue := range cfgErr.Issues {
		path := issue.Path
		if path == "" {
			path = "<document>"
		}
		fmt.Printf("issue path=%s kind=%s reason=%q\n", path, issue.Kind, issue.Reason)
	}
	return fmt.Errorf("invalid configuration: %d issues", len(cfgErr.Issues))
}

func loadConfig(logger *zap.Logger, path string) (model.Config, error) {
	if path == "" {
		return model.Config{}, errors.New("--config is required")
	}
	cfg, err := config.LoadFile(path, config.WithLogger(logger))
	if err != nil {
		return model.Config{}, reportConfigError(err)
	}
	return cfg, nil
}

func runPrint(_ context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("print", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config")
	jsonOut := fs.Bool("json", false, "emit the validated config as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(logger, *configPath)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(cfg)
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runHeads(_ context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("heads", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config")
	jsonOut := fs.Bool("json", false, "emit head topology as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(logger, *configPath)
	if err != nil {
		return err
	}
	arch, err := nn.GetArchitecture(cfg.Model.ModelType)
	if err != nil {
		return err
	}
	heads, err := nn.BuildHeads(cfg.Model.Branches, arch, cfg.Model.Targets)
	if err != nil {
		return err
	}
	aux, err := nn.AuxiliaryHead(cfg.Model.Branches, arch)
	if err != nil {
		return err
	}
	heads = append(heads, aux)

	if *jsonOut {
		return writeJSON(heads)
	}
	for _, head := range heads {
		fmt.Printf("head name=%s layers=%s outputs=%s\n", head.Name, formatLayers(head), strings.Join(head.Outputs, ","))
	}
	return nil
}

func formatLayers(head nn.Head) string {
	parts := make([]string, 0, len(head.Layers)+1)
	for _, layer := range head.Layers {
		parts = append(parts, fmt.Sprintf("%d->%d(p=%.2f)", layer.In, layer.Out, layer.Dropout))
	}
	out := head.OutputLayer()
	parts = append(parts, fmt.Sprintf("%d->%d", out.In, out.Out))
	return strings.Join(parts, ",")
}

func runSchedule(ctx context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config for a new run")
	lossesPath := fs.String("losses", "", "file with one loss per line, - for stdin")
	runID := fs.String("run-id", "", "resume an existing run instead of starting one")
	start := fs.Int("start", -1, "iteration of the first loss (<0 continues the run)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: "+strings.Join(storage.Kinds(), "|"))
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lossesPath == "" {
		return errors.New("schedule requires --losses")
	}
	if (*runID == "") == (*configPath == "") {
		return errors.New("schedule requires exactly one of --config or --run-id")
	}

	losses, err := readLosses(*lossesPath)
	if err != nil {
		return err
	}

	client, err := coiltrain.New(coiltrain.Options{
		StoreKind: *storeKind,
		DBPath:    *dbPath,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var session *coiltrain.Session
	if *runID != "" {
		session, err = client.ResumeRun(ctx, *runID)
	} else {
		var cfg model.Config
		cfg, err = loadConfig(logger, *configPath)
		if err != nil {
			return err
		}
		session, err = client.StartRun(ctx, cfg)
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = session.Close()
	}()

	iteration := *start
	if iteration < 0 {
		iteration = session.NextIteration()
	}
	decays := 0
	for _, value := range losses {
		step, err := session.Step(ctx, iteration, value)
		if err != nil {
			return err
		}
		for _, event := range step.Events {
			fmt.Printf("decay iteration=%d trigger=%s rate_before=%g rate_after=%g\n",
				event.Iteration, event.Trigger, event.RateBefore, event.RateAfter)
			decays++
		}
		iteration++
	}

	fmt.Printf("run_id=%s steps=%d last_iteration=%d rate=%g decays=%d\n",
		session.ID(), len(losses), iteration-1, session.Rate(), decays)
	return nil
}

// readLosses parses one float per line. Blank lines and lines starting
// with # are ignored.
func readLosses(path string) ([]float64, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var losses []float64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		value, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("losses line %d: %w", line, err)
		}
		losses = append(losses, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(losses) == 0 {
		return nil, errors.New("no losses to replay")
	}
	return losses, nil
}

func runSweep(_ context.Context, logger *zap.Logger, args []string) error {
	defaults := tuning.DefaultSweepSpace()
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config used as the base")
	n := fs.Int("n", 8, "number of variants")
	seed := fs.Int64("seed", 1, "random seed")
	minRate := fs.Float64("min-rate", defaults.MinRate, "lowest sampled learning rate")
	maxRate := fs.Float64("max-rate", defaults.MaxRate, "highest sampled learning rate")
	minLevel := fs.Float64("min-decay-level", defaults.MinDecayLevel, "lowest sampled decay level")
	maxLevel := fs.Float64("max-decay-level", defaults.MaxDecayLevel, "highest sampled decay level")
	outDir := fs.String("out-dir", "", "write each variant as a full YAML config into this directory")
	jsonOut := fs.Bool("json", false, "emit variants as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(logger, *configPath)
	if err != nil {
		return err
	}
	space := tuning.SweepSpace{
		MinRate:       *minRate,
		MaxRate:       *maxRate,
		MinDecayLevel: *minLevel,
		MaxDecayLevel: *maxLevel,
	}
	variants, err := tuning.Sweep(cfg.Optimizer, space, *n, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}

	var paths []string
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return err
		}
		for i, variant := range variants {
			out := cfg
			out.Optimizer = variant
			data, err := config.Marshal(out)
			if err != nil {
				return err
			}
			path := filepath.Join(*outDir, fmt.Sprintf("variant-%02d.yaml", i))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			paths = append(paths, path)
		}
	}

	if *jsonOut {
		return writeJSON(variants)
	}
	for i, variant := range variants {
		line := fmt.Sprintf("variant=%d learning_rate=%g decay_level=%.4f interval=%d threshold=%d floor=%g",
			i, variant.LearningRate, variant.DecayLevel, variant.DecayInterval, variant.Threshold, variant.Floor)
		if paths != nil {
			line += " path=" + paths[i]
		}
		fmt.Println(line)
	}
	return nil
}

func runRuns(ctx context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: "+strings.Join(storage.Kinds(), "|"))
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := coiltrain.New(coiltrain.Options{StoreKind: *storeKind, DBPath: *dbPath, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, coiltrain.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runsItem struct {
			RunID        string  `json:"run_id"`
			CreatedAtUTC string  `json:"created_at_utc"`
			ModelType    string  `json:"model_type"`
			LossFunction string  `json:"loss_function"`
			Branches     int     `json:"branches"`
			Iteration    int     `json:"iteration"`
			Rate         float64 `json:"rate"`
			DecayCount   int     `json:"decay_count"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem(item))
		}
		return writeJSON(out)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s model_type=%s loss_function=%s branches=%d iteration=%d rate=%g decays=%d\n",
			item.RunID,
			item.CreatedAtUTC,
			item.ModelType,
			item.LossFunction,
			item.Branches,
			item.Iteration,
			item.Rate,
			item.DecayCount,
		)
	}
	return nil
}

func runHistory(ctx context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	jsonOut := fs.Bool("json", false, "emit decay events as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: "+strings.Join(storage.Kinds(), "|"))
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("history requires --run-id")
	}

	client, err := coiltrain.New(coiltrain.Options{StoreKind: *storeKind, DBPath: *dbPath, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	events, err := client.DecayHistory(ctx, *runID)
	if err != nil {
		return err
	}
	if *jsonOut {
		type historyItem struct {
			Iteration  int      `json:"iteration"`
			Trigger    string   `json:"trigger"`
			RateBefore float64  `json:"rate_before"`
			RateAfter  float64  `json:"rate_after"`
			Loss       *float64 `json:"loss,omitempty"`
		}
		out := make([]historyItem, 0, len(events))
		for _, event := range events {
			item := historyItem{
				Iteration:  event.Iteration,
				Trigger:    string(event.Trigger),
				RateBefore: event.RateBefore,
				RateAfter:  event.RateAfter,
			}
			if !math.IsNaN(event.Loss) && !math.IsInf(event.Loss, 0) {
				v := event.Loss
				item.Loss = &v
			}
			out = append(out, item)
		}
		return writeJSON(out)
	}
	if len(events) == 0 {
		fmt.Println("no decay events")
		return nil
	}
	for _, event := range events {
		fmt.Printf("iteration=%d trigger=%s rate_before=%g rate_after=%g loss=%g\n",
			event.Iteration, event.Trigger, event.RateBefore, event.RateAfter, event.Loss)
	}
	return nil
}

func runCrop(_ context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("crop", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML training config")
	imagePath := fs.String("image", "", "source frame (png or jpeg)")
	outPath := fs.String("out", "", "destination png")
	width := fs.Int("width", 0, "resize width after cropping (0 keeps the crop)")
	height := fs.Int("height", 0, "resize height after cropping (0 keeps the crop)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *outPath == "" {
		return errors.New("crop requires --image and --out")
	}

	cfg, err := loadConfig(logger, *configPath)
	if err != nil {
		return err
	}
	img, err := imgio.Open(*imagePath)
	if err != nil {
		return err
	}
	params := sim.NewParams(cfg.Simulation)
	processed, err := params.Preprocess(img, *width, *height)
	if err != nil {
		return err
	}
	if err := imgio.Save(*outPath, processed, imgio.PNGEncoder()); err != nil {
		return err
	}

	top, bottom := params.ImageCut()
	bounds := processed.Bounds()
	fmt.Printf("cropped image=%s out=%s rows=%d:%d size=%dx%d\n", *imagePath, *outPath, top, bottom, bounds.Dx(), bounds.Dy())
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: coilctl [-log-level level] <validate|print|heads|schedule|sweep|runs|history|crop> [flags]", msg)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Tutortoise/nest-detection-service/detections"
	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"github.com/viant/afs"
	"go.uber.org/zap"
)

type Config struct {
	ModelPath   string
	LibraryPath string
	Addr        string
	InputName   string
	OutputName  string
	DumpDir     string
	PoolSize    int
	Threads     int
	Threshold   float64
	MaxUpload   int64
	Debug       bool
}

var cfg Config

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model",
		Usage:       "Path or URL of the .onnx detection model",
		Aliases:     []string{"m"},
		EnvVars:     []string{"MODEL_PATH"},
		Value:       "models/birdnest.onnx",
		Destination: &cfg.ModelPath,
	},
	&cli.StringFlag{
		Name:        "ort-lib",
		Usage:       "Path or URL of the onnxruntime shared library; the loader search path is used when empty",
		EnvVars:     []string{"ONNXRUNTIME_LIB"},
		Destination: &cfg.LibraryPath,
	},
	&cli.StringFlag{
		Name:        "input-name",
		Usage:       "Model input name",
		Value:       "images",
		Destination: &cfg.InputName,
	},
	&cli.StringFlag{
		Name:        "output-name",
		Usage:       "Model output name",
		Value:       "output0",
		Destination: &cfg.OutputName,
	},
	&cli.Float64Flag{
		Name:        "threshold",
		Usage:       "Minimum confidence (exclusive) for a candidate to be reported",
		EnvVars:     []string{"THRESHOLD"},
		Value:       detections.DefaultThreshold,
		Destination: &cfg.Threshold,
	},
	&cli.IntFlag{
		Name:        "threads",
		Usage:       "Intra-op threads per session; 0 splits the CPUs evenly across the pool",
		EnvVars:     []string{"ORT_THREADS"},
		Destination: &cfg.Threads,
	},
	&cli.StringFlag{
		Name:        "dump-dir",
		Usage:       "Directory or URL where request tensors are written as .safetensors",
		EnvVars:     []string{"DUMP_DIR"},
		Destination: &cfg.DumpDir,
	},
	&cli.BoolFlag{
		Name:        "debug",
		Usage:       "Development logging and per-request timings",
		EnvVars:     []string{"DEBUG"},
		Destination: &cfg.Debug,
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve bird nest detection over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			EnvVars:     []string{"ADDR"},
			Value:       "127.0.0.1:8080",
			Destination: &cfg.Addr,
		},
		&cli.IntFlag{
			Name:        "pool-size",
			Usage:       "Number of independent inference sessions",
			EnvVars:     []string{"POOL_SIZE"},
			Value:       DefaultPoolSize,
			Destination: &cfg.PoolSize,
		},
		&cli.Int64Flag{
			Name:        "max-upload",
			Usage:       "Maximum accepted upload size in bytes",
			EnvVars:     []string{"MAX_UPLOAD_BYTES"},
			Value:       DefaultMaxUpload,
			Destination: &cfg.MaxUpload,
		},
	},
	Action: func(c *cli.Context) error {
		return serve(c.Context, cfg)
	},
}

var detectCommand = &cli.Command{
	Name:      "detect",
	Usage:     "Detect bird nests in image files and print the result as JSON",
	ArgsUsage: "<image path or URL>...",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.Exit("detect needs at least one image", 2)
		}
		cfg.PoolSize = 1
		return detectFiles(c.Context, cfg, c.Args().Slice())
	},
}

func main() {
	app := &cli.App{
		Name:     "nest-detection",
		Usage:    "Detect bird nests in images with an ONNX model",
		Flags:    globalFlags,
		Commands: []*cli.Command{serveCommand, detectCommand},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

type service struct {
	pipeline *detections.Pipeline
	pool     *ModelSessionPool
	alloc    *tensors.Allocator
	cleanup  func()
}

// newService loads the runtime and model, fills the session pool and warms
// the pipeline up. Any failure is returned; nothing is left initialized.
func newService(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*service, error) {
	threshold := float32(cfg.Threshold)
	if err := detections.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	cleanupRuntime, err := setupRuntime(ctx, cfg.LibraryPath)
	if err != nil {
		return nil, err
	}

	modelBytes, err := detections.LoadModel(ctx, cfg.ModelPath)
	if err != nil {
		cleanupRuntime()
		return nil, err
	}

	alloc := tensors.NewAllocator()
	intraOp, interOp := sessionThreads(cfg.Threads, cfg.PoolSize, runtime.NumCPU())
	logger.Debugw("session threads", "intra_op", intraOp, "inter_op", interOp)
	sessionCfg := detections.SessionConfig{
		ModelPath:      cfg.ModelPath,
		InputName:      cfg.InputName,
		OutputName:     cfg.OutputName,
		IntraOpThreads: intraOp,
		InterOpThreads: interOp,
	}
	factory := func() (Session, error) {
		return detections.NewModelSession(modelBytes, sessionCfg, alloc)
	}

	pool, err := NewModelSessionPool(factory, cfg.PoolSize, logger)
	if err != nil {
		cleanupRuntime()
		return nil, fmt.Errorf("failed to create model session pool: %w", err)
	}

	opts := []detections.Option{
		detections.WithThreshold(threshold),
		detections.WithAllocator(alloc),
		detections.WithLogger(logger),
	}
	if cfg.DumpDir != "" {
		opts = append(opts, detections.WithDumper(detections.NewDumper(cfg.DumpDir)))
	}
	pipeline, err := detections.NewPipeline(pool, opts...)
	if err != nil {
		pool.Destroy()
		cleanupRuntime()
		return nil, err
	}

	if err := pipeline.Init(ctx); err != nil {
		pool.Destroy()
		cleanupRuntime()
		return nil, fmt.Errorf("model initialization failed: %w", err)
	}

	return &service{
		pipeline: pipeline,
		pool:     pool,
		alloc:    alloc,
		cleanup: func() {
			pool.Destroy()
			cleanupRuntime()
		},
	}, nil
}

// sessionThreads picks per-session thread counts. Every pooled session may run
// at once, so the CPUs are split between them and inter-op stays at one.
func sessionThreads(threads, poolSize, numCPU int) (intraOp, interOp int) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	intraOp = threads
	if intraOp <= 0 {
		intraOp = max(1, numCPU/poolSize)
	}
	return intraOp, 1
}

func serve(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("starting", "model", cfg.ModelPath, "pool_size", cfg.PoolSize, "cpu_features", detections.CPUFeatures())

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("failed to start", "error", err)
		return cli.Exit(err.Error(), 1)
	}
	defer svc.cleanup()
	svc.pool.Start(HealthCheckPeriod)

	state := &AppState{
		Pipeline:  svc.pipeline,
		Pool:      svc.pool,
		Allocator: svc.alloc,
		Logger:    logger,
		MaxUpload: cfg.MaxUpload,
		Debug:     cfg.Debug,
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type fileResult struct {
	Source     string             `json:"source"`
	Count      int                `json:"count"`
	Message    string             `json:"message"`
	Detections []models.Detection `json:"detections,omitempty"`
	Error      *ErrorResponse     `json:"error,omitempty"`
	Space      CoordinateSpace    `json:"coordinate_space"`
}

func detectFiles(ctx context.Context, cfg Config, sources []string) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer svc.cleanup()

	fs := afs.New()
	enc := json.NewEncoder(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		enc.SetIndent("", "  ")
	}

	failed := 0
	for _, src := range sources {
		result := fileResult{Source: src, Space: CoordinateSpace{Width: detections.InputWidth, Height: detections.InputHeight}}

		data, err := fs.DownloadWithURL(ctx, src)
		if err == nil {
			boxes, detectErr := svc.pipeline.Detect(ctx, data, nil)
			if detectErr == nil {
				result.Count = len(boxes)
				result.Message = getDetectionMessage(len(boxes))
				result.Detections = boxes
			}
			err = detectErr
		}
		if err != nil {
			failed++
			_, code, message := classifyError(err)
			result.Message = message
			result.Error = &ErrorResponse{Code: code, Message: message, Details: err.Error()}
		}

		if err := enc.Encode(result); err != nil {
			return err
		}
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, len(sources)), 1)
	}
	return nil
}

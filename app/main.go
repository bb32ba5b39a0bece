package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/actionsrv/app/conditions"
	"github.com/umputun/actionsrv/app/envs"
	"github.com/umputun/actionsrv/app/importer"
	"github.com/umputun/actionsrv/app/migrate"
	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/mutex"
	"github.com/umputun/actionsrv/app/notify"
	"github.com/umputun/actionsrv/app/pool"
	"github.com/umputun/actionsrv/app/resumer"
	"github.com/umputun/actionsrv/app/service"
	"github.com/umputun/actionsrv/app/store"
	"github.com/umputun/actionsrv/app/web"
	"github.com/umputun/actionsrv/app/worker"
)

var opts struct {
	DataDir      string        `short:"d" long:"data" env:"ACTIONSRV_DATA" default:"var" description:"data directory"`
	PackagesDir  string        `long:"packages" env:"ACTIONSRV_PACKAGES" description:"packages directory, {data}/packages if not set"`
	ArtifactsDir string        `long:"artifacts" env:"ACTIONSRV_ARTIFACTS" description:"runs artifacts directory, {data}/artifacts if not set"`
	EnvsDir      string        `long:"envs" env:"ACTIONSRV_ENVS" description:"environments directory, {data}/envs if not set"`
	Watch        time.Duration `long:"watch" env:"ACTIONSRV_WATCH" default:"10s" description:"packages check interval, 0 to disable"`
	LogPrefix    bool          `long:"log-prefix" env:"ACTIONSRV_LOG_PREFIX" description:"prefix action output with action name"`
	MaxLogLines  int           `long:"max-log" env:"ACTIONSRV_MAX_LOG" default:"100" description:"output lines included into error of failed run"`
	Schema       bool          `long:"schema" description:"print json schema of package.yaml and exit"`
	Worker       bool          `long:"worker" hidden:"true" description:"run as worker process"`
	Dbg          bool          `long:"dbg" env:"ACTIONSRV_DEBUG" description:"debug mode"`

	Store struct {
		DB          string        `long:"db" env:"DB" default:"actions.db" description:"database file, relative to data directory"`
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"0s" description:"wait for locked database"`
		Retries     int           `long:"retries" env:"RETRIES" default:"50" description:"attempts of a write to busy database"`
		RetryDelay  time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"20ms" description:"delay between write attempts"`
	} `group:"store" namespace:"store" env-namespace:"ACTIONSRV_STORE"`

	Mutex struct {
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"20s" description:"wait for host-wide locks"`
	} `group:"mutex" namespace:"mutex" env-namespace:"ACTIONSRV_MUTEX"`

	Pool struct {
		Min   int    `long:"min" env:"MIN" default:"1" description:"idle workers kept ready"`
		Max   int    `long:"max" env:"MAX" default:"4" description:"max concurrent workers"`
		Reuse bool   `long:"reuse" env:"REUSE" description:"reuse worker for the next run"`
		Sweep string `long:"sweep" env:"SWEEP" default:"@every 1m" description:"schedule of dead idle workers cleanup"`
	} `group:"pool" namespace:"pool" env-namespace:"ACTIONSRV_POOL"`

	Web struct {
		Address      string  `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash of basic auth password"`
		RunRate      float64 `long:"run-rate" env:"RUN_RATE" default:"10" description:"run requests per second per client"`
	} `group:"web" namespace:"web" env-namespace:"ACTIONSRV_WEB"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times repeat failed environment setup"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"ACTIONSRV_REPEATER"`

	Conditions struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" description:"max cpu usage percent, 0 to skip"`
		MemoryBelow   int           `long:"memory-below" env:"MEMORY_BELOW" description:"max memory usage percent, 0 to skip"`
		LoadAvgBelow  float64       `long:"load-below" env:"LOAD_BELOW" description:"max 1 minute load average, 0 to skip"`
		DiskFreeAbove int           `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"min free disk percent, 0 to skip"`
		DiskFreePath  string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path of checked disk"`
		Custom        string        `long:"custom" env:"CUSTOM" description:"custom check command"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" description:"wait for conditions up to this long"`
		CheckInterval time.Duration `long:"interval" env:"INTERVAL" default:"30s" description:"re-check interval while postponed"`
	} `group:"conditions" namespace:"conditions" env-namespace:"ACTIONSRV_CONDITIONS"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable email notifications on failed runs"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable email notifications on passed runs"`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"failed run email template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"passed run email template file"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		From               string        `long:"from" env:"FROM" description:"SMTP from email"`
		To                 []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"ACTIONSRV_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"actionsrv.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"ACTIONSRV_LOG"`
}

var revision = "unknown"

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.Worker { // stdout is the protocol channel, nothing else may write to it
		log.Setup(log.Out(os.Stderr), log.Err(os.Stderr))
		if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.CommandExecutor{Output: os.Stderr}); err != nil {
			log.Fatalf("[ERROR] worker failed, %v", err)
		}
		return
	}

	if opts.Schema {
		data, err := importer.Schema()
		if err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("actionsrv %s\n", revision)
	logOut := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGTERM and SIGINT

	if err := run(ctx, logOut); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] actionsrv stopped")
}

// run bootstraps the database, imports packages and serves until ctx is done
func run(ctx context.Context, logOut io.Writer) error {
	dirs := makePaths()
	for _, d := range []string{dirs.data, dirs.packages, dirs.artifacts, dirs.envs} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("can't make directory %s: %w", d, err)
		}
	}

	storeOpts := store.Options{BusyTimeout: opts.Store.BusyTimeout}
	dbPath := filepath.Join(dirs.data, opts.Store.DB)
	if err := prepareDB(ctx, dbPath, storeOpts); err != nil {
		return err
	}
	st, err := store.Open(dbPath, storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}()
	if err := st.RegisterClasses(model.Schema()...); err != nil {
		return err
	}
	storeRetry := repeater.New(&strategy.FixedDelay{Repeats: opts.Store.Retries, Delay: opts.Store.RetryDelay})

	rs := resumer.Resumer{Store: st, Repeater: storeRetry}
	if _, err := rs.Interrupt(ctx); err != nil {
		return fmt.Errorf("can't close interrupted runs: %w", err)
	}

	im := &importer.Importer{Store: st, DataDir: dirs.data, Repeater: storeRetry}
	if err := importPackages(ctx, im, dirs.packages); err != nil {
		return err
	}

	wp, err := pool.New(ctx, pool.Options{MinProcesses: opts.Pool.Min, MaxProcesses: opts.Pool.Max, Reuse: opts.Pool.Reuse})
	if err != nil {
		return err
	}
	defer wp.Close()

	sched := cron.New()
	if _, err := sched.AddFunc(opts.Pool.Sweep, wp.Sweep); err != nil {
		return fmt.Errorf("invalid pool sweep schedule %q: %w", opts.Pool.Sweep, err)
	}
	sched.Start()
	defer sched.Stop()

	active := &service.ActiveRuns{}
	runner := &service.Runner{
		Store: st,
		Envs: &envs.Builder{
			BaseDir: dirs.envs,
			Mutex:   mutex.Options{Timeout: opts.Mutex.Timeout},
			Repeater: repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
				Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter}),
			Output: logOut,
		},
		Pool:         wp,
		Repeater:     storeRetry,
		DataDir:      dirs.data,
		ArtifactsDir: dirs.artifacts,
		Stdout:       logOut,
		LogPrefix:    opts.LogPrefix,
		MaxLogLines:  opts.MaxLogLines,
		Active:       active,
	}
	if cfg := conditionsConfig(); cfg.Enabled() {
		log.Printf("[INFO] run conditions enabled")
		runner.Conditions = conditions.NewChecker(cfg)
	}
	if n := makeNotifier(); n != nil {
		runner.Notifier = n
	}

	srv, err := web.New(web.Config{
		Store:        st,
		Runner:       runner,
		Pool:         wp,
		Active:       active,
		PasswordHash: opts.Web.PasswordHash,
		Version:      revision,
		RunRate:      opts.Web.RunRate,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Web.Address)
}

type paths struct {
	data, packages, artifacts, envs string
}

func makePaths() paths {
	res := paths{data: opts.DataDir, packages: opts.PackagesDir, artifacts: opts.ArtifactsDir, envs: opts.EnvsDir}
	if res.packages == "" {
		res.packages = filepath.Join(res.data, "packages")
	}
	if res.artifacts == "" {
		res.artifacts = filepath.Join(res.data, "artifacts")
	}
	if res.envs == "" {
		res.envs = filepath.Join(res.data, "envs")
	}
	return res
}

// prepareDB creates or migrates the database under host-wide mutex, so only one server process does it
func prepareDB(ctx context.Context, path string, storeOpts store.Options) error {
	mx, err := mutex.Acquire(ctx, mutex.Name(path, "db_"), mutex.Options{Timeout: opts.Mutex.Timeout})
	if err != nil {
		return fmt.Errorf("can't lock database %s: %w", path, err)
	}
	defer mx.Release()

	eng, err := migrate.NewDefault(storeOpts)
	if err != nil {
		return err
	}
	pending, err := eng.Pending(ctx, path)
	if err != nil {
		return err
	}
	if !pending {
		log.Printf("[DEBUG] database %s is up to date", path)
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("[INFO] creating database %s, version %d", path, eng.CurrentVersion())
		return eng.Create(ctx, path)
	}
	backup, err := eng.Migrate(ctx, path, eng.CurrentVersion())
	if err != nil {
		return err
	}
	log.Printf("[INFO] database %s migrated to version %d, backup %s", path, eng.CurrentVersion(), backup)
	return nil
}

// importPackages imports all packages and starts watching them if enabled
func importPackages(ctx context.Context, im *importer.Importer, root string) error {
	res, err := im.ImportAll(ctx, root)
	if err != nil {
		return err
	}
	log.Printf("[INFO] %d packages imported from %s", len(res), root)
	if opts.Watch <= 0 {
		return nil
	}
	ch, err := im.Changes(ctx, root, opts.Watch)
	if err != nil {
		return err
	}
	go func() {
		for r := range ch {
			log.Printf("[INFO] package %s updated, %d actions", r.Package.Name, len(r.Actions))
		}
	}()
	return nil
}

func conditionsConfig() conditions.Config {
	c := opts.Conditions
	res := conditions.Config{Custom: c.Custom, DiskFreePath: c.DiskFreePath,
		MaxPostpone: c.MaxPostpone, CheckInterval: c.CheckInterval}
	if c.CPUBelow > 0 {
		res.CPUBelow = &c.CPUBelow
	}
	if c.MemoryBelow > 0 {
		res.MemoryBelow = &c.MemoryBelow
	}
	if c.LoadAvgBelow > 0 {
		res.LoadAvgBelow = &c.LoadAvgBelow
	}
	if c.DiskFreeAbove > 0 {
		res.DiskFreeAbove = &c.DiskFreeAbove
	}
	return res
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}
	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletionTemplate,
			HostName:           opts.Notify.HostName,
		},
		notify.SendersParams{
			SMTPHost:     opts.Notify.SMTPHost,
			SMTPPort:     opts.Notify.SMTPPort,
			SMTPUsername: opts.Notify.SMTPUsername,
			SMTPPassword: opts.Notify.SMTPPassword,
			SMTPTLS:      opts.Notify.SMTPTLS,
			SMTPTimeOut:  opts.Notify.SMTPTimeOut,
			FromEmail:    opts.Notify.From,
			ToEmails:     opts.Notify.To,
		},
	)
}

// setupLogs sets logger output, stdout or rotated file, and returns it
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %s received, stopping", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}

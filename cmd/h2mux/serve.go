package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/h2mux/internal/admin"
	"github.com/vango-dev/h2mux/internal/config"
	"github.com/vango-dev/h2mux/internal/errors"
	"github.com/vango-dev/h2mux/pkg/capture"
	"github.com/vango-dev/h2mux/pkg/metrics"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/tracing"
	"github.com/vango-dev/h2mux/pkg/transport"
)

func serveCmd(root *rootOptions) *cobra.Command {
	var (
		listen        string
		adminAddr     string
		enableMetrics bool
		enableTracing bool
		captureDir    string
		captureBucket string
		pushPath      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Serve mux connections over TCP, and over WebSocket at /ws on the
admin address. Every stream is answered with status 200 and its
request body echoed back. Requests for --push-path also get a pushed
response.

The admin address serves /healthz and, with --metrics, /metrics.

Examples:
  h2mux serve
  h2mux serve --listen :9443 --admin -
  h2mux serve --metrics --capture-dir ./captures
  h2mux serve --capture-s3-bucket wire-archive --log-format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.Listen = listen
			}
			if flags.Changed("admin") {
				cfg.Server.Admin = adminAddr
			}
			if flags.Changed("metrics") {
				cfg.Metrics.Enabled = enableMetrics
			}
			if flags.Changed("tracing") {
				cfg.Tracing.Enabled = enableTracing
			}
			if flags.Changed("capture-dir") {
				cfg.Capture.Dir = captureDir
			}
			if flags.Changed("capture-s3-bucket") {
				cfg.Capture.S3Bucket = captureBucket
			}
			if flags.Changed("push-path") {
				cfg.Server.PushPath = pushPath
			}

			logger := cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg, logger, nil)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultListen, "TCP address for mux connections")
	cmd.Flags().StringVar(&adminAddr, "admin", config.DefaultAdmin, `Admin HTTP address, or "-" to disable`)
	cmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Serve Prometheus metrics at /metrics")
	cmd.Flags().BoolVar(&enableTracing, "tracing", false, "Record a span per connection and stream")
	cmd.Flags().StringVar(&captureDir, "capture-dir", "", "Write a wire capture per connection to this directory")
	cmd.Flags().StringVar(&captureBucket, "capture-s3-bucket", "", "Upload wire captures to this S3 bucket")
	cmd.Flags().StringVar(&pushPath, "push-path", "", "Request path answered with a server push")

	return cmd
}

// listening reports the bound addresses. Admin is nil when disabled.
type listening struct {
	Mux   net.Addr
	Admin net.Addr
}

// runServe serves until ctx is cancelled, then sends GOAWAY on every
// session and waits for them.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(listening)) error {
	obs, gatherer := newObservers(cfg)
	rec, err := newRecorders(ctx, cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return errors.New("H040").WithDetail("listen " + cfg.Server.Listen).Wrap(err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	obs.ctx = serveCtx

	tc := cfg.TransportConfig(mux.RoleServer)
	tc.Logger = logger.With("component", "transport")
	tc.Mux.Logger = logger.With("component", "mux")
	handler := &transport.Echo{ServerName: cfg.Server.ServerName, PushPath: cfg.Server.PushPath}

	srv := &transport.Server{
		Config:  tc,
		Handler: handler,
		NewObserver: func(remote net.Addr) (mux.Observer, func()) {
			return obs.conn(remote.String())
		},
	}
	var wrap func(io.ReadWriteCloser, string) (io.ReadWriteCloser, error)
	if rec != nil {
		wrap = rec.wrap
		srv.Wrap = func(nc net.Conn) (io.ReadWriteCloser, error) {
			return rec.wrap(nc, nc.RemoteAddr().String())
		}
	}

	addrs := listening{Mux: ln.Addr()}
	var (
		httpSrv  *http.Server
		adminSrv *admin.Server
		adminErr = make(chan error, 1)
	)
	if cfg.Server.Admin != "-" {
		aln, err := net.Listen("tcp", cfg.Server.Admin)
		if err != nil {
			ln.Close()
			return errors.New("H040").WithDetail("listen " + cfg.Server.Admin).Wrap(err)
		}
		adminSrv = admin.New(serveCtx, admin.Options{
			Gatherer:    gatherer,
			Session:     tc,
			Handler:     handler,
			NewObserver: obs.conn,
			Wrap:        wrap,
			Logger:      logger.With("component", "admin"),
		})
		httpSrv = &http.Server{Handler: adminSrv, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpSrv.Serve(aln); !stderrors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
		addrs.Admin = aln.Addr()
	}

	logger.Info("serving",
		"listen", addrs.Mux.String(),
		"admin", fmt.Sprint(addrs.Admin),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled,
		"capture", cfg.Capture.Enabled())
	if ready != nil {
		ready(addrs)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, ln) }()

	select {
	case err = <-served:
	case aerr := <-adminErr:
		err = errors.New("H042").Wrap(aerr)
		cancel()
		<-served
	}
	cancel()

	if httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("admin shutdown", "error", serr)
		}
		done()
		adminSrv.Wait()
	}

	if stderrors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	logger.Info("stopped", "error", err)
	return err
}

// observers builds the per-connection observer from the metrics and
// tracing settings.
type observers struct {
	ctx        context.Context
	metrics    *metrics.Collector
	tracing    bool
	tracerName string
}

func newObservers(cfg *config.Config) (*observers, prometheus.Gatherer) {
	o := &observers{
		ctx:        context.Background(),
		tracing:    cfg.Tracing.Enabled,
		tracerName: cfg.Tracing.TracerName,
	}
	if !cfg.Metrics.Enabled {
		return o, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace(cfg.Metrics.Namespace))
	return o, reg
}

func (o *observers) conn(remote string) (mux.Observer, func()) {
	var (
		list    mux.MultiObserver
		closers []func()
	)
	if o.metrics != nil {
		c := o.metrics.Conn()
		list = append(list, c)
		closers = append(closers, c.Close)
	}
	if o.tracing {
		t := tracing.New(o.ctx,
			tracing.WithTracerName(o.tracerName),
			tracing.WithAttributes(attribute.String("net.peer.address", remote)))
		list = append(list, t)
		closers = append(closers, t.Close)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, func() {
		for _, c := range closers {
			c()
		}
	}
}

// recorders opens capture sinks for each connection.
type recorders struct {
	dir     string
	s3      capture.PutObjectAPI
	bucket  string
	prefix  string
	segment int
	seq     atomic.Uint64
}

func newRecorders(ctx context.Context, cfg *config.Config) (*recorders, error) {
	c := cfg.Capture
	if !c.Enabled() {
		return nil, nil
	}
	r := &recorders{dir: c.Dir, bucket: c.S3Bucket, prefix: c.S3Prefix, segment: c.SegmentSize}
	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return nil, errors.New("H060").WithDetail("capture directory " + r.dir).Wrap(err)
		}
	}
	if r.bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.New("H061").Wrap(err)
		}
		r.s3 = s3.NewFromConfig(awsCfg)
	}
	return r, nil
}

var addrReplacer = strings.NewReplacer(":", "_", "[", "", "]", "", "/", "_")

func (r *recorders) wrap(rw io.ReadWriteCloser, remote string) (io.ReadWriteCloser, error) {
	name := fmt.Sprintf("%s-%06d-%s",
		time.Now().UTC().Format("20060102T150405"), r.seq.Add(1), addrReplacer.Replace(remote))

	var sinks []capture.Sink
	if r.dir != "" {
		fs, err := capture.CreateFile(filepath.Join(r.dir, name+".h2cap"))
		if err != nil {
			return nil, errors.New("H060").Wrap(err)
		}
		sinks = append(sinks, fs)
	}
	if r.s3 != nil {
		sinks = append(sinks, capture.NewS3Sink(r.s3, r.bucket, path.Join(r.prefix, name)).WithMaxSegment(r.segment))
	}
	return capture.NewRecorder(rw, capture.Tee(sinks...)), nil
}

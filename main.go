package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/account"
	"github.com/mqy/chatmux/auth"
	"github.com/mqy/chatmux/backend"
	_ "github.com/mqy/chatmux/backend/kafka"
	_ "github.com/mqy/chatmux/backend/local"
	"github.com/mqy/chatmux/front"
	"github.com/mqy/chatmux/history"
	"github.com/mqy/chatmux/hub"
	"github.com/mqy/chatmux/metrics"
	"github.com/mqy/chatmux/session"
	"github.com/mqy/chatmux/store"
	"github.com/mqy/chatmux/translate"
)

const (
	version = "0.3.0"

	minTTLDays = 1
	maxTTLDays = 3650

	retentionInterval = time.Hour
)

var (
	flagDir       = flag.String("dir", defaultDir(), "working directory, holds pid file, socket file and account db")
	flagTransport = flag.String("transport", "unix", "front transport: tcp, unix or ws")
	flagAddr      = flag.String("addr", "127.0.0.1:32000", "tcp and ws listen address, ip:port")
	flagSockFile  = flag.String("sockfile", "", "unix socket file, default <dir>/chatmux.sock")
	flagMaxConns  = flag.Int("max-conns", 4, "max number of concurrent front connections")
	flagWsToken   = flag.String("ws-token", "", "if not empty, ws clients must send it as `x-token` cookie or `X-Token` header")
	flagPidFile   = flag.String("pid-file", "", "pid file, default <dir>/chatmux.pid")

	flagFilterOwn       = flag.Bool("filter-own", true, "do not show messages sent by the account itself")
	flagHistory         = flag.Bool("history", true, "keep messages for replay to the next attached client")
	flagHistoryMax      = flag.Int("history-max-per-room", 0, "max delivered messages kept per room, 0 = unbounded")
	flagPushAccounts    = flag.Bool("push-accounts", true, "write the account list to a newly attached client")
	flagQueueSize       = flag.Int("queue-size", 256, "outbound queue capacity")
	flagSendQueueSize   = flag.Int("send-queue-size", 16, "per account send queue capacity")
	flagMaxRetries      = flag.Int("max-retries", 0, "failed connects in a row before an account gives up, 0 = unlimited")
	flagBackoffMin      = flag.Duration("backoff-min", session.BackoffMinInterval, "min reconnect delay")
	flagBackoffMax      = flag.Duration("backoff-max", session.BackoffMaxInterval, "max reconnect delay")
	flagRoomsTTL        = flag.Duration("rooms-ttl", 30*time.Second, "room list cache freshness")
	flagShutdownGrace   = flag.Duration("shutdown-grace", 3*time.Second, "max time to flush the outbound queue on stop")
	flagArchiveDsn      = flag.String("archive-dsn", "", "optional mysql dsn of the message archive, e.g. root:@tcp(127.0.0.1:3306)/chatmux?charset=utf8mb4")
	flagArchiveTTLDays  = flag.Uint("archive-ttl-days", 30, "archived message TTL in days")
	flagMetricsAddr     = flag.String("metrics-addr", "", "prometheus metrics listen address, empty disables")
	flagPprofDir        = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagShowBackendKind = flag.Bool("kinds", false, "print known backend kinds and exit")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatmux"
	}
	return filepath.Join(home, ".config", "chatmux")
}

func run() int {
	defer glog.Flush()

	if *flagShowBackendKind {
		for _, k := range backend.Kinds() {
			fmt.Println(k)
		}
		return 0
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	if err := os.MkdirAll(*flagDir, 0700); err != nil {
		return errorf("--dir: error create dir `%s`: %v", *flagDir, err)
	}
	if *flagPidFile == "" {
		*flagPidFile = filepath.Join(*flagDir, "chatmux.pid")
	}
	if *flagSockFile == "" {
		*flagSockFile = filepath.Join(*flagDir, "chatmux.sock")
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	accounts, err := store.OpenBoltAccountStore(filepath.Join(*flagDir, "accounts.db"))
	if err != nil {
		return errorf("open account db: %v", err)
	}
	defer accounts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var archive store.IMessageArchive
	var archiveCounter store.Counter
	if *flagArchiveDsn != "" {
		octx, ocancel := context.WithTimeout(ctx, 10*time.Second)
		a, err := store.OpenMysqlArchive(octx, *flagArchiveDsn)
		ocancel()
		if err != nil {
			return errorf("open message archive: %v", err)
		}
		defer a.Close()
		archive = a
		archiveCounter = a
		go store.RunRetention(ctx, a, int32(*flagArchiveTTLDays), retentionInterval)
	}

	glog.Infof("chatmux %s is starting", version)

	hs := history.NewStore(*flagHistoryMax)
	if !*flagHistory {
		hs.Disable()
	}

	h := hub.New(*flagQueueSize, hs, translate.FormatMessage)
	if err := metrics.RegisterQueueDepth(h.Len); err != nil {
		glog.Warningf("register queue depth metric: %v", err)
	}

	conf := &session.Config{
		FilterOwn:     *flagFilterOwn,
		SendQueueSize: *flagSendQueueSize,
		MaxRetries:    *flagMaxRetries,
		Backoff:       session.Backoff{Min: *flagBackoffMin, Max: *flagBackoffMax},
		RoomsTTL:      *flagRoomsTTL,
	}
	registry := account.NewRegistry(accounts, session.Spawner(conf, &session.Deps{
		History: hs,
		Out:     h,
		Archive: archive,
	}))

	dispatcher := front.NewDispatcher(registry, hs, h, version)
	if *flagPushAccounts {
		h.OnAttach(dispatcher.PushAccounts)
	}

	// listen first, a failure leaves no session behind
	var lis net.Listener
	switch *flagTransport {
	case "tcp", "unix":
		addr := *flagAddr
		if *flagTransport == "unix" {
			addr = *flagSockFile
		}
		lis, err = front.Listen(*flagTransport, addr, *flagMaxConns)
	case "ws":
		lis, err = front.Listen("tcp", *flagAddr, *flagMaxConns)
	}
	if err != nil {
		return errorf("%v", err)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hubStopC := make(chan struct{})
	go h.Run(hubCtx, *flagShutdownGrace, hubStopC)

	if _, err := registry.Restore(); err != nil {
		glog.Errorf("restore accounts: %v", err)
	}
	if archiveCounter != nil {
		var ids []int
		for _, a := range registry.List() {
			ids = append(ids, a.ID)
		}
		cctx, ccancel := context.WithTimeout(ctx, 10*time.Second)
		store.LogSizes(cctx, archiveCounter, ids)
		ccancel()
	}

	// front
	frontCtx, frontCancel := context.WithCancel(ctx)
	defer frontCancel()
	var waitFront func()
	var httpServer *http.Server

	switch *flagTransport {
	case "tcp", "unix":
		srv := front.NewServer(h, dispatcher)
		go func() {
			if err := srv.Serve(frontCtx, lis); err != nil {
				glog.Errorf("front: serve error: %v", err)
			}
		}()
		waitFront = srv.Wait
	case "ws":
		ws := front.NewWsHandler(h, dispatcher, &auth.TokenClient{Token: *flagWsToken})
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			glog.Infof("front: ws server is listening %s", lis.Addr())
			if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
				glog.Infof("front: ws server closed")
			} else if err != nil {
				glog.Errorf("front: ws serve error: %v", err)
			}
		}()
		waitFront = ws.Wait
	}

	var metricsServer *http.Server
	if *flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: *flagMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			glog.Infof("metrics server is listening %s", *flagMetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server error: %v", err)
			}
		}()
	}

	glog.Infof("chatmux server is started")
	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if prof != nil {
				prof.dumpGoroutines()
			}
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("chatmux server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			p := prof
			prof = nil
			go func() {
				if p != nil {
					p.Stop()
				}

				// no new clients, then no more session output, then flush.
				frontCancel()
				if httpServer != nil {
					_ = httpServer.Shutdown(context.Background())
				}
				registry.Close()
				glog.Infof("sessions stopped")
				hubCancel()
				<-hubStopC
				close(hubStopC)
				waitFront()
				glog.Infof("front stopped")

				if metricsServer != nil {
					_ = metricsServer.Shutdown(context.Background())
				}
				cancel()
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("chatmux server exited")
	return 0
}

func validateFlags() int {
	switch *flagTransport {
	case "tcp", "ws":
		if *flagAddr == "" {
			return errorf("--addr is required")
		}
		if err := validateAddr(*flagAddr); err != nil {
			return errorf("--addr: %v", err)
		}
	case "unix":
	default:
		return errorf("--transport: expect one of tcp, unix, ws, got `%s`", *flagTransport)
	}
	if *flagDir == "" {
		return errorf("--dir is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if *flagMaxConns < 1 {
		return errorf("--max-conns is required positive integer")
	}

	if *flagQueueSize < 1 {
		return errorf("--queue-size is required positive integer")
	}
	if *flagSendQueueSize < 1 {
		return errorf("--send-queue-size is required positive integer")
	}
	if *flagHistoryMax < 0 {
		return errorf("--history-max-per-room MUST not be negative")
	}
	if *flagMaxRetries < 0 {
		return errorf("--max-retries MUST not be negative")
	}
	if *flagBackoffMin <= 0 || *flagBackoffMax < *flagBackoffMin {
		return errorf("invalid backoff, expect 0 < --backoff-min <= --backoff-max")
	}
	if *flagRoomsTTL < 0 {
		return errorf("--rooms-ttl MUST not be negative")
	}
	if *flagShutdownGrace <= 0 {
		return errorf("--shutdown-grace is required positive duration")
	}

	if *flagArchiveDsn != "" {
		if *flagArchiveTTLDays < minTTLDays || *flagArchiveTTLDays > maxTTLDays {
			return errorf("invalid --archive-ttl-days, expect in range [%d, %d]", minTTLDays, maxTTLDays)
		}
	}

	if *flagMetricsAddr != "" {
		if err := validateAddr(*flagMetricsAddr); err != nil {
			return errorf("--metrics-addr: %v", err)
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}

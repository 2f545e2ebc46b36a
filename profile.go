package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// Profiler is a profiling session toggled by SIGUSR2. Profiles are written to dataDir on Stop.
type Profiler struct {
	dataDir string
	closers []func()
	stopped atomic.Bool
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	p.startCPU()
	p.startTrace()
	p.startLookup("heap", func() func() {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() { runtime.MemProfileRate = old }
	})
	p.startLookup("block", func() func() {
		runtime.SetBlockProfileRate(1)
		return func() { runtime.SetBlockProfileRate(0) }
	})
	p.startLookup("mutex", func() func() {
		runtime.SetMutexProfileFraction(1)
		return func() { runtime.SetMutexProfileFraction(0) }
	})
	return p
}

func (p *Profiler) create(kind, ext string) (*os.File, error) {
	fn := filepath.Join(p.dataDir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return nil, err
	}
	glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
	return f, nil
}

func (p *Profiler) startCPU() {
	f, err := p.create("cpu", "pprof")
	if err != nil {
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		glog.Errorf("pprof: start cpu profile: %v", err)
		f.Close()
		return
	}
	p.closers = append(p.closers, func() {
		pprof.StopCPUProfile()
		f.Close()
	})
}

func (p *Profiler) startTrace() {
	f, err := p.create("trace", "out")
	if err != nil {
		return
	}
	if err := trace.Start(f); err != nil {
		glog.Errorf("pprof: start trace: %v", err)
		f.Close()
		return
	}
	p.closers = append(p.closers, func() {
		trace.Stop()
		f.Close()
	})
}

// startLookup enables a runtime profile with enable, the profile is written on Stop.
func (p *Profiler) startLookup(kind string, enable func() (restore func())) {
	f, err := p.create(kind, "pprof")
	if err != nil {
		return
	}
	restore := enable()
	p.closers = append(p.closers, func() {
		if prof := pprof.Lookup(kind); prof != nil {
			_ = prof.WriteTo(f, 0)
		}
		f.Close()
		restore()
	})
}

// Stop flushes all profiles, safe to call more than once.
func (p *Profiler) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
	glog.Infof("pprof: profiling disabled, data dir: %s", p.dataDir)
}

func (p *Profiler) dumpGoroutines() {
	f, err := p.create("goroutines", "dump")
	if err != nil {
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: write goroutine profile: %v", err)
	}
}

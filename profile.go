package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// memprofile writes a heap profile to path, for the -memprof flag. Called at
// exit, after the command ran.
func memprofile(path string) {
	if path == "" {
		return
	}

	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	runtime.GC() // Profile after a collection, live objects only.
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
	if err := f.Close(); err != nil {
		log.Printf("closing memory profile: %v", err)
	}
}

// profile starts a cpu profile when cpupath is set and returns a function
// that stops it and writes the heap profile for mempath.
func profile(cpupath, mempath string) func() {
	if cpupath == "" {
		return func() {
			memprofile(mempath)
		}
	}

	f, err := os.Create(cpupath)
	xcheckf(err, "creating cpu profile")
	err = pprof.StartCPUProfile(f)
	xcheckf(err, "starting cpu profile")
	return func() {
		pprof.StopCPUProfile()
		if err := f.Close(); err != nil {
			log.Printf("closing cpu profile: %v", err)
		}
		memprofile(mempath)
	}
}

// traceExecution starts a runtime execution trace to path and returns the
// function that stops it.
func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating trace file")
	trace.Start(f)
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing trace file")
	}
}

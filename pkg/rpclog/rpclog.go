// Copyright (c) 2026 The rpcproxy Authors.

// Package rpclog extends Go's logging functionality to allow for multiple
// loggers, each with its own level and optional substring filters. Call
// AddLogger to register a writer (or AddLogRing for an in-memory tail),
// then use the package-level functions to send messages to every
// registered logger that is willing to log at that level.
package rpclog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	loggers = make(map[string]*output)
	logLock sync.RWMutex
)

// AddLogger adds a logger that only records events at level or higher.
// w is typically os.Stderr, os.Stdout, or an open file.
func AddLogger(name string, w io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &output{sink: writerSink{w: w, color: color}, Level: level}
}

// AddLogRing adds a logger backed by a bounded in-memory Ring instead of
// an io.Writer, so recent log lines can be dumped back out (e.g. by
// cmd/rpcproxyd's debug endpoint) without holding an open file.
func AddLogRing(name string, r *Ring, level Level) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &output{sink: r, Level: level}
}

// DelLogger removes a logger previously added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if a message at level would be written by at least
// one registered logger. Use this to guard expensive %v formatting.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, o := range loggers {
		if o.Level <= level {
			return true
		}
	}
	return false
}

// SetLevel changes the level of a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].Level = level
	return nil
}

// GetLevel returns the level of a named logger.
func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return -1, errors.New("logger does not exist")
	}
	return loggers[name].Level, nil
}

// SetFilters replaces the substring filter list for a named logger; any
// formatted message containing one of the filters is dropped.
func SetFilters(name string, filters []string) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].filters = filters
	return nil
}

// LogAll reads from r line by line, logging each non-empty line at level
// under name, until EOF. It runs in its own goroutine.
func LogAll(r io.Reader, level Level, name string) {
	go func() {
		b := bufio.NewReader(r)
		for {
			d, err := b.ReadString('\n')
			if d := strings.TrimSpace(d); d != "" {
				logAt(level, name, "%s", d)
			}
			if err != nil {
				return
			}
		}
	}()
}

// callerSource returns the short file:line of the frame skip levels
// above callerSource itself.
func callerSource(skip int) string {
	_, file, line, _ := runtime.Caller(skip)
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

func dispatch(e Entry) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, o := range loggers {
		if o.Level <= e.Level {
			o.log(e)
		}
	}

	if e.Level == FATAL {
		os.Exit(1)
	}
}

func logAt(level Level, name, format string, arg ...interface{}) {
	e := Entry{When: time.Now(), Level: level, Source: name, Text: fmt.Sprintf(format, arg...)}
	if e.Source == "" {
		e.Source = callerSource(3)
	}
	dispatch(e)
}

func loglnAt(level Level, name string, arg ...interface{}) {
	e := Entry{When: time.Now(), Level: level, Source: name, Text: fmt.Sprint(arg...)}
	if e.Source == "" {
		e.Source = callerSource(3)
	}
	dispatch(e)
}

func Debug(format string, arg ...interface{}) { logAt(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { logAt(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { logAt(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { logAt(ERROR, "", format, arg...) }
func Fatal(format string, arg ...interface{}) { logAt(FATAL, "", format, arg...) }

func Debugln(arg ...interface{}) { loglnAt(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { loglnAt(INFO, "", arg...) }
func Warnln(arg ...interface{})  { loglnAt(WARN, "", arg...) }
func Errorln(arg ...interface{}) { loglnAt(ERROR, "", arg...) }
func Fatalln(arg ...interface{}) { loglnAt(FATAL, "", arg...) }

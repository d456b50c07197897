// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package log provides a simple way of logging with different levels.
// Time/Date are not logged by default because systemd adds them for us;
// a configured logfile gets timestamps since nothing else will add them.
//
// Uses these prefixes: https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]   "
	InfoPrefix  string = "<6>[INFO]    "
	WarnPrefix  string = "<4>[WARNING] "
	ErrPrefix   string = "<3>[ERROR]   "
)

var (
	DebugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, 0)
	ErrLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Lshortfile)
)

// Init points every level's writer at f (typically the configured logfile)
// and rebuilds the loggers around it. Called once at startup; an empty path
// leaves the default of stderr untouched.
func Init(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	DebugWriter, InfoWriter, WarnWriter, ErrWriter = f, f, f, f
	logDateTime = true
	rebuild()
	return nil
}

func rebuild() {
	flags := 0
	errFlags := log.Lshortfile
	if logDateTime {
		flags = log.LstdFlags
		errFlags = log.LstdFlags | log.Lshortfile
	}
	DebugLog = log.New(DebugWriter, DebugPrefix, flags)
	InfoLog = log.New(InfoWriter, InfoPrefix, flags)
	WarnLog = log.New(WarnWriter, WarnPrefix, flags)
	ErrLog = log.New(ErrWriter, ErrPrefix, errFlags)
}

// SetLevel discards writers below lvl ("debug", "info", "warn", "error"/"err"/"fatal").
func SetLevel(lvl string) {
	switch lvl {
	case "error", "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
		// nothing discarded
	default:
		fmt.Fprintf(os.Stderr, "log: invalid loglevel %q, defaulting to debug\n", lvl)
	}
	rebuild()
}

func Debug(v ...interface{}) {
	if DebugWriter != io.Discard {
		DebugLog.Output(2, fmt.Sprint(v...))
	}
}

func Info(v ...interface{}) {
	if InfoWriter != io.Discard {
		InfoLog.Output(2, fmt.Sprint(v...))
	}
}

func Print(v ...interface{}) { Info(v...) }

func Warn(v ...interface{}) {
	if WarnWriter != io.Discard {
		WarnLog.Output(2, fmt.Sprint(v...))
	}
}

func Error(v ...interface{}) {
	if ErrWriter != io.Discard {
		ErrLog.Output(2, fmt.Sprint(v...))
	}
}

func Fatal(v ...interface{}) {
	Error(v...)
	os.Exit(1)
}

func Debugf(format string, v ...interface{}) {
	if DebugWriter != io.Discard {
		DebugLog.Output(2, fmt.Sprintf(format, v...))
	}
}

func Infof(format string, v ...interface{}) {
	if InfoWriter != io.Discard {
		InfoLog.Output(2, fmt.Sprintf(format, v...))
	}
}

func Printf(format string, v ...interface{}) { Infof(format, v...) }

func Warnf(format string, v ...interface{}) {
	if WarnWriter != io.Discard {
		WarnLog.Output(2, fmt.Sprintf(format, v...))
	}
}

func Errorf(format string, v ...interface{}) {
	if ErrWriter != io.Discard {
		ErrLog.Output(2, fmt.Sprintf(format, v...))
	}
}

func Fatalf(format string, v ...interface{}) {
	Errorf(format, v...)
	os.Exit(1)
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeenv implements the small bits of process/runtime
// glue SPEC_FULL.md's "Runtime & signals" component needs beyond
// config loading: telling systemd the bridge is ready and reporting
// status through the same channel while it runs.
//
// Privilege dropping is explicitly out of scope: the bridge is meant
// to run as whatever user starts it (typically already unprivileged,
// reading a replication stream and writing to stdout), and SPEC_FULL.md
// carries no requirement to change uid/gid at startup.
package runtimeenv

import (
	"fmt"
	"os"
	"os/exec"
)

// SystemdNotify informs systemd of a readiness or status change, per
// https://www.freedesktop.org/software/systemd/man/sd_notify.html.
// It is a no-op when the process was not started under systemd
// (NOTIFY_SOCKET unset), which is the common case under go test and
// when run interactively.
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // best effort: nothing useful to do with a failure here
}

/*
Copyright 2024 The blobvfs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clog is the ambient logging surface every command and
// long-running component in this module uses: plain stdlib
// log.Printf/log.Fatalf, set up once at startup
// (log.SetOutput(os.Stderr) equivalent) rather than routed through a
// structured-logging library. This package exists only to give
// daemons a place to redirect output and toggle verbosity.
package clog

import (
	"io"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// Verbose gates Debugf output, the equivalent of pkg/cmdmain's
// FlagVerbose.
var Verbose = false

// SetOutput redirects all clog output, e.g. to discard it in tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// Printf logs an informational message.
func Printf(format string, args ...interface{}) { std.Printf(format, args...) }

// Debugf logs only when Verbose is set.
func Debugf(format string, args ...interface{}) {
	if Verbose {
		std.Printf(format, args...)
	}
}

// Fatalf logs and exits the process, mirroring log.Fatalf.
func Fatalf(format string, args ...interface{}) {
	std.Printf(format, args...)
	os.Exit(1)
}

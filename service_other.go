//go:build !windows

package main

import "github.com/kardianos/service"

// platformServiceOptions configures systemd and launchd. Signal exits count
// as success so a stop request is not treated as a crash.
func platformServiceOptions() service.KeyValue {
	return service.KeyValue{
		"Restart":           "on-failure",
		"SuccessExitStatus": "130 143",
		"KeepAlive":         true,
		"RunAtLoad":         true,
	}
}

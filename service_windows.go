//go:build windows

package main

import "github.com/kardianos/service"

// platformServiceOptions starts the service at boot and lets the service
// control manager restart it after a crash.
func platformServiceOptions() service.KeyValue {
	return service.KeyValue{
		"StartType":              "automatic",
		"OnFailure":              "restart",
		"OnFailureDelayDuration": "10s",
		"OnFailureResetPeriod":   3600,
	}
}

// Package logging holds the klog verbosity levels used across the gateway.
package logging

import (
	"net/http"

	"k8s.io/klog/v2"
)

const (
	ERROR   = 1
	WARNING = 2
	INFO    = 3
	DEBUG   = 4
	TRACE   = 5
)

func GetRequestLogger(r *http.Request) klog.Logger {
	return klog.FromContext(r.Context())
}

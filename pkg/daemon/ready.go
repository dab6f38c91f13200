package daemon

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	utilwait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
)

// ReadyTracker reports ready once startup finished, every simulated display
// is connected and every display with a configured timing runs its stream.
type ReadyTracker struct {
	mutex  sync.Mutex
	config bool
	daemon *Daemon
}

// Ready ...
func (rt *ReadyTracker) Ready() (bool, string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if !rt.config {
		return false, "Config not applied"
	}

	displays := rt.daemon.sorted()
	if len(displays) == 0 && len(rt.daemon.Inspected()) == 0 {
		return false, "No displays have started"
	}

	disconnected := strings.Builder{}
	notActive := strings.Builder{}
	for _, d := range displays {
		if !d.Service.Connected() {
			if disconnected.Len() > 0 {
				disconnected.WriteString(", ")
			}
			disconnected.WriteString(d.Config.Name)
		} else if _, ok := d.Config.LinkTiming(); ok && d.Service.State() != state.Active {
			if notActive.Len() > 0 {
				notActive.WriteString(", ")
			}
			notActive.WriteString(d.Config.Name + " (" + d.Service.State().String() + ")")
		}
	}
	if disconnected.Len() > 0 {
		return false, "Disconnected display(s): " + disconnected.String()
	}

	if notActive.Len() > 0 {
		return false, "Stream(s) not active: " + notActive.String()
	}

	return true, ""
}

func (rt *ReadyTracker) setConfig(v bool) {
	rt.mutex.Lock()
	rt.config = v
	rt.mutex.Unlock()
}

type readyHandler struct {
	tracker *ReadyTracker
}

func (h readyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isReady, msg := h.tracker.Ready(); !isReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "503: %s\n", msg)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

// StartReadyServer ...
func StartReadyServer(bindAddress string, tracker *ReadyTracker) {
	glog.Info("Starting Ready Server")
	mux := http.NewServeMux()
	mux.Handle("/ready", readyHandler{tracker: tracker})
	go utilwait.Until(func() {
		err := http.ListenAndServe(bindAddress, mux)
		if err != nil {
			utilruntime.HandleError(fmt.Errorf("starting ready server failed: %v", err))
		}
	}, 5*time.Second, utilwait.NeverStop)
}

// StartMetricsServer ...
func StartMetricsServer(bindAddress string) {
	glog.Info("Starting Metrics Server")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go utilwait.Until(func() {
		err := http.ListenAndServe(bindAddress, mux)
		if err != nil {
			utilruntime.HandleError(fmt.Errorf("starting metrics server failed: %v", err))
		}
	}, 5*time.Second, utilwait.NeverStop)
}

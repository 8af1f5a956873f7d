package refcount

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Config controls debug instrumentation.
type Config struct {
	Debug  bool         // Record call sites and track leaks.
	Strict bool         // Panic on double free instead of logging it.
	Logger *slog.Logger // Destination for leak and double free reports.
}

// DebugEnv is the environment variable that enables debug mode at startup.
const DebugEnv = "DELTAGRAPH_REFDEBUG"

// DefaultConfig returns strict mode with debug taken from DebugEnv.
func DefaultConfig() Config {
	v := os.Getenv(DebugEnv)
	return Config{
		Debug:  v != "" && v != "0" && v != "false",
		Strict: true,
		Logger: slog.Default(),
	}
}

var (
	cfgMu sync.RWMutex
	cfg   = DefaultConfig()
)

// Configure replaces the package configuration. Objects created before the
// call keep the debug setting they were created with.
func Configure(c Config) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// SetDebug toggles call site recording and leak tracking.
func SetDebug(on bool) {
	cfgMu.Lock()
	cfg.Debug = on
	cfgMu.Unlock()
}

func current() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

func (h *history) record(op string) {
	// errors.New captures the stack; formatting is deferred to snapshot.
	err := errors.New(op)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= maxHistory {
		h.entries = h.entries[1:]
		h.dropped++
	}
	h.entries = append(h.entries, err)
}

func (h *history) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.entries)+1)
	if h.dropped > 0 {
		out = append(out, fmt.Sprintf("(%d earlier entries dropped)", h.dropped))
	}
	for _, e := range h.entries {
		out = append(out, fmt.Sprintf("%+v", e))
	}
	return out
}

// Leak registry: objects created in debug mode get a finalizer. If the
// garbage collector reclaims one that was never torn down, it leaked.
var (
	tracked atomic.Int64
	leaks   atomic.Int64
)

func track(owner any) {
	if _, ok := owner.(Holder); !ok {
		return
	}
	tracked.Add(1)
	runtime.SetFinalizer(owner, reportLeak)
}

func reportLeak(owner any) {
	tracked.Add(-1)
	h, ok := owner.(Holder)
	if !ok {
		return
	}
	c := h.Counter()
	if c.IsFinalized() {
		return
	}
	leaks.Add(1)
	hist := c.History()
	site := ""
	if len(hist) > 0 {
		site = hist[0]
	}
	current().Logger.Warn("refcount: object reclaimed without being freed",
		"object", c.desc, "refs", c.RefCount(), "created", site)
}

// Leaks returns how many debug-tracked objects were garbage collected
// without reaching a zero count.
func Leaks() int64 {
	return leaks.Load()
}

// Tracked returns how many debug-tracked objects are still reachable or
// awaiting finalization.
func Tracked() int64 {
	return tracked.Load()
}

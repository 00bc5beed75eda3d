package testhelp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	apexlog "github.com/apex/log"
	apextext "github.com/apex/log/handlers/text"
)

// ApexLogBridge sends apex log entries to the test log
type ApexLogBridge struct {
	tb testing.TB
}

// NewLogger creates a debug level logger that writes through tb.Log
func NewLogger(tb testing.TB) *apexlog.Logger {
	return &apexlog.Logger{
		Handler: NewApexLogBridge(tb),
		Level:   apexlog.DebugLevel,
	}
}

// NewApexLogBridge creates a new apex log bridge
func NewApexLogBridge(tb testing.TB) *ApexLogBridge {
	return &ApexLogBridge{tb: tb}
}

// HandleLog formats the entry with its fields sorted by name
func (h *ApexLogBridge) HandleLog(e *apexlog.Entry) error {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%6s %s", apextext.Strings[e.Level], e.Message)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s=%v", name, e.Fields[name])
	}

	// production logs go through the JSON handler, so fields must marshal
	if _, err := json.Marshal(e); err != nil {
		h.tb.Errorf("log entry %q does not marshal: %v", e.Message, err)
	}

	h.tb.Log(sb.String())
	return nil
}

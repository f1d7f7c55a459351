package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlertLevel severity
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank orders severities for filtering.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}

// AlertCategory groups alerts by subsystem.
type AlertCategory string

const (
	CategoryGate      AlertCategory = "GATE"
	CategoryDrawdown  AlertCategory = "DRAWDOWN"
	CategoryRegrid    AlertCategory = "REGRID"
	CategoryReconcile AlertCategory = "RECONCILE"
	CategoryOrder     AlertCategory = "ORDER"
	CategoryFill      AlertCategory = "FILL"
	CategorySpike     AlertCategory = "SPIKE"
	CategorySummary   AlertCategory = "SUMMARY"
	CategorySystem    AlertCategory = "SYSTEM"
)

// Alert is a structured, human-readable notification.
type Alert struct {
	Level    AlertLevel        `json:"level"`
	Category AlertCategory     `json:"category"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     time.Time         `json:"time"`
}

// NewAlert builds an alert; kv pairs become Fields.
// decimal.Decimal values are rendered with String().
func NewAlert(level AlertLevel, category AlertCategory, message string, kv ...interface{}) Alert {
	a := Alert{Level: level, Category: category, Message: message, Time: time.Now()}
	if len(kv) > 0 {
		a.Fields = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key := fmt.Sprint(kv[i])
			switch v := kv[i+1].(type) {
			case decimal.Decimal:
				a.Fields[key] = v.String()
			default:
				a.Fields[key] = fmt.Sprint(v)
			}
		}
	}
	return a
}

// Text renders the alert as one line with sorted fields.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s][%s] %s", a.Level, a.Category, a.Message)
	if len(a.Fields) > 0 {
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, a.Fields[k])
		}
	}
	return b.String()
}

// Package classify implements the Error Classifier (spec.md §4.C): a
// stateless mapping from (error, operation context, file path) to an
// ErrorInfo, plus the bounded per-key attempt history that drives
// escalation after repeated failures.
//
// Grounded on the teacher's agent.AgentError / agent/tasks/common.AgentError
// pairing a message with a failure-type tag (agent/errors.go,
// agent/tasks/copy/copy.go's taskpb.FailureType_* switch in
// isServiceInducedError), generalized to spec.md §4.C's category table.
package classify

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/Johnnywatts/forker/internal/model"
)

type rule struct {
	signals    []string
	category   model.ErrorCategory
	transient  bool
	strategy   model.RecoveryStrategy
}

// table implements spec.md §4.C's "first match wins" rule list.
var table = []rule{
	{[]string{"file-not-found", "directory-not-found"}, model.CategoryFileSystem, true, model.StrategyDelayedRetry},
	{[]string{"path-too-long"}, model.CategoryFileSystem, false, model.StrategyDelayedRetry},
	{[]string{"sharing-violation", "in-use-by-another-process", "locked"}, model.CategoryFileSystem, true, model.StrategyDelayedRetry},
	{[]string{"network-path", "unreachable host", "connection reset", "connection refused", "timeout"}, model.CategoryNetwork, true, model.StrategyDelayedRetry},
	{[]string{"unauthorized", "access-denied", "permission"}, model.CategoryPermission, false, model.StrategyEscalate},
	{[]string{"hash mismatch", "corrupt", "checksum"}, model.CategoryVerification, false, model.StrategyQuarantine},
	{[]string{"disk-full", "no-space"}, model.CategoryResource, false, model.StrategyEscalate},
	{[]string{"out-of-memory"}, model.CategoryResource, true, model.StrategyDelayedRetry},
}

const (
	historyTTL          = 30 * 24 * time.Hour
	defaultEscalationN  = 5
	escalationWindow    = 24 * time.Hour
)

type historyEntry struct {
	attempts  int
	firstSeen time.Time
	lastSeen  time.Time
}

// Classifier is stateful only in its escalation history; Classify itself is
// a pure function of (err, operationContext, filePath) until the
// escalation threshold is crossed.
type Classifier struct {
	mu                  sync.Mutex
	history             map[string]*historyEntry
	escalationThreshold int
}

func New(escalationThreshold int) *Classifier {
	if escalationThreshold <= 0 {
		escalationThreshold = defaultEscalationN
	}
	return &Classifier{history: make(map[string]*historyEntry), escalationThreshold: escalationThreshold}
}

// Classify maps err to an ErrorInfo, using operationContext+filePath as the
// escalation-history key.
func (c *Classifier) Classify(err error, operationContext, filePath string, now time.Time) model.ErrorInfo {
	category, transient, strategy := matchCategory(err)

	key := operationContext + ":" + filePath
	c.mu.Lock()
	entry, ok := c.history[key]
	// A key whose escalation window has passed starts a fresh count.
	if !ok || now.Sub(entry.firstSeen) > escalationWindow {
		entry = &historyEntry{firstSeen: now}
		c.history[key] = entry
	}
	entry.attempts++
	entry.lastSeen = now
	attempts := entry.attempts
	firstSeen := entry.firstSeen
	c.mu.Unlock()

	severity := severityFor(category, transient)
	if attempts >= c.escalationThreshold && now.Sub(firstSeen) <= escalationWindow {
		strategy = model.StrategyEscalate
		if severity != model.SeverityCritical {
			severity = model.SeverityError
		}
	}

	info := model.ErrorInfo{
		ID:               uuid.NewString(),
		FirstOccurrence:  firstSeen,
		AttemptCount:     attempts,
		Category:         category,
		Severity:         severity,
		Transient:        transient,
		Strategy:         strategy,
		OperationContext: operationContext,
		FilePath:         filePath,
		Properties:       map[string]string{},
	}
	glog.V(1).Infof("classify: %s on %s -> category=%s severity=%s strategy=%s attempt=%d",
		operationContext, filePath, category, severity, strategy, attempts)
	return info
}

func matchCategory(err error) (model.ErrorCategory, bool, model.RecoveryStrategy) {
	if err == nil {
		return model.CategoryUnknown, false, model.StrategyAbort
	}
	msg := strings.ToLower(err.Error())
	for _, r := range table {
		for _, sig := range r.signals {
			if strings.Contains(msg, sig) {
				return r.category, r.transient, r.strategy
			}
		}
	}
	return model.CategoryUnknown, false, model.StrategyEscalate
}

func severityFor(cat model.ErrorCategory, transient bool) model.Severity {
	switch cat {
	case model.CategoryVerification:
		return model.SeverityCritical
	case model.CategoryPermission:
		return model.SeverityError
	case model.CategoryUnknown:
		return model.SeverityError
	default:
		if transient {
			return model.SeverityWarning
		}
		return model.SeverityError
	}
}

// Sweep drops history entries untouched for more than 30 days, per
// spec.md §4.C.
func (c *Classifier) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, e := range c.history {
		if now.Sub(e.lastSeen) > historyTTL {
			delete(c.history, key)
			dropped++
		}
	}
	return dropped
}

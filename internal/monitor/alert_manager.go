package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/events"
	"github.com/t77yq/flowplane/internal/model"
)

// recentAlertLimit bounds the alerts kept for Alerts()
const recentAlertLimit = 100

var (
	ErrRuleNotFound = fmt.Errorf("alert rule %w", model.ErrNotFound)
	ErrInvalidRule  = fmt.Errorf("%w: invalid alert rule", model.ErrInvalidState)
)

// AlertOption configures an AlertManager
type AlertOption func(*AlertManager)

// WithAlertPublisher publishes fired alerts
func WithAlertPublisher(p events.Publisher) AlertOption {
	return func(m *AlertManager) {
		m.emitter = events.NewEmitter(p, m.logger)
	}
}

// AlertManager evaluates alert rules against fleet snapshots. A rule fires
// once when its condition starts to hold and rearms once it stops holding.
type AlertManager struct {
	logger  *zap.Logger
	emitter *events.Emitter

	mu         sync.Mutex
	rules      map[string]*model.AlertRule
	firing     map[string]bool
	lastFailed int
	recent     []*model.Alert
}

// NewAlertManager creates an alert manager without rules
func NewAlertManager(logger *zap.Logger, opts ...AlertOption) *AlertManager {
	m := &AlertManager{
		logger: logger.Named("alert-manager"),
		rules:  make(map[string]*model.AlertRule),
		firing: make(map[string]bool),
	}
	m.emitter = events.NewEmitter(nil, m.logger)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeAgentOffline, model.AlertTypeQueueBacklog,
		model.AlertTypeTaskFailure, model.AlertTypeResourceUsage:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	if rule.Threshold < 0 {
		return fmt.Errorf("%w: negative threshold", ErrInvalidRule)
	}
	return nil
}

// AddRule adds a new alert rule, assigning an id when empty
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	c := *rule
	m.mu.Lock()
	m.rules[rule.ID] = &c
	m.mu.Unlock()

	m.logger.Info("Alert rule added",
		zap.String("rule_id", rule.ID),
		zap.String("type", string(rule.Type)),
		zap.Float64("threshold", rule.Threshold))
	return nil
}

// UpdateRule replaces an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = time.Now()
	c := *rule
	m.rules[rule.ID] = &c
	delete(m.firing, rule.ID)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	delete(m.firing, id)
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	c := *rule
	return &c, nil
}

// Rules returns all rules ordered by creation time
func (m *AlertManager) Rules() []*model.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRulesLocked()
}

func (m *AlertManager) sortedRulesLocked() []*model.AlertRule {
	out := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SilenceRule stops or resumes alerts from a rule
func (m *AlertManager) SilenceRule(id string, silenced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Silenced = silenced
	rule.UpdatedAt = time.Now()
	return nil
}

// Evaluate checks every rule against the snapshot and publishes the alerts
// that started firing
func (m *AlertManager) Evaluate(snapshot *FleetSnapshot) []*model.Alert {
	m.mu.Lock()
	failedDelta := snapshot.Tasks.Failed - m.lastFailed
	if failedDelta < 0 {
		// pruned tasks leave the counter; measure from the new baseline
		failedDelta = 0
	}
	m.lastFailed = snapshot.Tasks.Failed

	var fired []*model.Alert
	for _, rule := range m.sortedRulesLocked() {
		value, ok := ruleValue(rule.Type, snapshot, failedDelta)
		holds := ok && value > rule.Threshold

		if !holds {
			if m.firing[rule.ID] {
				m.logger.Info("Alert resolved",
					zap.String("rule_id", rule.ID),
					zap.String("type", string(rule.Type)))
			}
			delete(m.firing, rule.ID)
			continue
		}
		if m.firing[rule.ID] || rule.Silenced {
			continue
		}
		m.firing[rule.ID] = true

		alert := &model.Alert{
			ID:        uuid.New().String(),
			RuleID:    rule.ID,
			Type:      rule.Type,
			Severity:  rule.Severity,
			Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
			Value:     value,
			Data:      map[string]interface{}{"threshold": rule.Threshold},
			CreatedAt: snapshot.Timestamp,
		}
		fired = append(fired, alert)
		m.recent = append(m.recent, alert)
		if len(m.recent) > recentAlertLimit {
			m.recent = m.recent[len(m.recent)-recentAlertLimit:]
		}
	}
	m.mu.Unlock()

	for _, alert := range fired {
		m.logger.Warn("Alert created",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.Float64("value", alert.Value))
		m.emitter.Emit(events.AlertType(string(alert.Type)), map[string]interface{}{
			"alert_id": alert.ID,
			"rule_id":  alert.RuleID,
			"severity": string(alert.Severity),
			"message":  alert.Message,
			"value":    alert.Value,
		})
	}
	return fired
}

// ruleValue extracts the measured value a rule compares against its
// threshold. ok is false when the snapshot lacks the measurement.
func ruleValue(t model.AlertType, s *FleetSnapshot, failedDelta int) (float64, bool) {
	switch t {
	case model.AlertTypeAgentOffline:
		return float64(s.Agents.Offline), true
	case model.AlertTypeQueueBacklog:
		return float64(s.Tasks.QueueLength), true
	case model.AlertTypeTaskFailure:
		return float64(failedDelta), true
	case model.AlertTypeResourceUsage:
		if s.Host == nil {
			return 0, false
		}
		return math.Max(s.Host.CPUPercent, s.Host.MemoryPercent), true
	}
	return 0, false
}

// Alerts returns the most recently fired alerts, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Alert(nil), m.recent...)
}

package ids

import (
	"time"

	"github.com/devnolife/netsec/packet"
)

// AlertStatus is the mutable lifecycle of an alert record.
type AlertStatus string

const (
	StatusNew           AlertStatus = "new"
	StatusAcknowledged  AlertStatus = "acknowledged"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// Alert records one detection firing against one packet. Everything
// but Status is immutable after creation.
type Alert struct {
	ID       string      `json:"id"`
	Time     time.Time   `json:"time"`
	Method   Method      `json:"method"`
	RuleID   string      `json:"ruleID,omitempty"`
	RuleName string      `json:"ruleName,omitempty"`
	Severity Severity    `json:"severity"`
	Category string      `json:"category"`
	Mitre    string      `json:"mitre,omitempty"`
	Message  string      `json:"message"`
	Status   AlertStatus `json:"status"`

	// Snapshot of the triggering packet's header fields.
	SourceIP   string          `json:"sourceIP"`
	SourcePort int             `json:"sourcePort"`
	DestIP     string          `json:"destIP"`
	DestPort   int             `json:"destPort"`
	Protocol   packet.Protocol `json:"protocol"`
	Size       int             `json:"size"`

	// Payload is captured only when the engine is configured to.
	Payload string `json:"payload,omitempty"`
}

func (e *Engine) newAlert(p *packet.Packet, method Method, sev Severity, category, mitre, msg string, rule *Rule) *Alert {
	a := &Alert{
		ID:         newAlertID(),
		Time:       time.Now(),
		Method:     method,
		Severity:   sev,
		Category:   category,
		Mitre:      mitre,
		Message:    msg,
		Status:     StatusNew,
		SourceIP:   p.SourceIP,
		SourcePort: p.SourcePort,
		DestIP:     p.DestIP,
		DestPort:   p.DestPort,
		Protocol:   p.Protocol,
		Size:       p.Size,
	}
	if rule != nil {
		a.RuleID = rule.ID
		a.RuleName = rule.Name
	}
	if e.cfg.CapturePayload {
		a.Payload = p.Payload
	}
	return a
}

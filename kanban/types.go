// Package kanban defines workflow definitions ("kanbans") and the registry
// that loads, validates and indexes them. A kanban declares states, the
// transition classifications between them (recommended, blocked, warned) and
// the form bindings that turn form submissions into live processes.
//
// The transition model is permissive by default: recommended transitions are
// UI suggestions, warned transitions are abnormal but allowed, and only
// blocked transitions are refused. Anything absent from every list is
// allowed. This "warn-not-block" contract is load-bearing for the rest of
// the engine.
package kanban

import "time"

// State types. A kanban has at most one initial state; final states with no
// outgoing transitions are terminal.
const (
	StateTypeInitial      = "initial"
	StateTypeIntermediate = "intermediate"
	StateTypeFinal        = "final"
)

// Prerequisite kinds evaluated by the prereq package.
const (
	PrereqFieldCheck   = "field_check"
	PrereqExternalAPI  = "external_api"
	PrereqTimeElapsed  = "time_elapsed"
	PrereqCustomScript = "custom_script"
)

// Prerequisite describes one precondition attached to a state or a
// recommended transition. The populated fields depend on Type.
type Prerequisite struct {
	Type string `json:"type" yaml:"type"`

	// field_check
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	// external_api
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// time_elapsed
	Hours   float64 `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes float64 `json:"minutes,omitempty" yaml:"minutes,omitempty"`

	// custom_script
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Message overrides the default diagnostic when the check is unmet.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// State is one column of the kanban board.
type State struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Type             string `json:"type,omitempty" yaml:"type,omitempty"`
	Color            string `json:"color,omitempty" yaml:"color,omitempty"`
	AutoTransitionTo string `json:"auto_transition_to,omitempty" yaml:"auto_transition_to,omitempty"`

	// TimeoutHours is a pointer so a configured zero (fire immediately)
	// stays distinguishable from an absent timeout.
	TimeoutHours  *float64       `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
	SLAHours      float64        `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// TransitionRule is a recommended (UI-advertised) transition. Prerequisites
// inform the caller; they never prevent execution.
type TransitionRule struct {
	From          string         `json:"from" yaml:"from"`
	To            string         `json:"to" yaml:"to"`
	Label         string         `json:"label,omitempty" yaml:"label,omitempty"`
	Prerequisites []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// BlockedTransition is the only transition kind the engine refuses.
type BlockedTransition struct {
	From   string `json:"from" yaml:"from"`
	To     string `json:"to" yaml:"to"`
	Reason string `json:"reason" yaml:"reason"`
}

// WarnedTransition is an abnormal but permitted path. When
// RequireJustification is set, the engine demands a justification string
// before executing it.
type WarnedTransition struct {
	From                 string `json:"from" yaml:"from"`
	To                   string `json:"to" yaml:"to"`
	Message              string `json:"message" yaml:"message"`
	RequireJustification bool   `json:"require_justification,omitempty" yaml:"require_justification,omitempty"`
}

// AgentSettings carries hints consumed by the suggestion agents.
type AgentSettings struct {
	// FlowSequence is the nominal happy-path ordering of state ids.
	FlowSequence []string `json:"flow_sequence,omitempty" yaml:"flow_sequence,omitempty"`
}

// EmailConfig configures the email notification channel for one kanban.
type EmailConfig struct {
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Template   string   `json:"template,omitempty" yaml:"template,omitempty"`
}

// WebhookConfig configures the webhook notification channel for one kanban.
// Header values may reference process environment variables as ${VAR}.
type WebhookConfig struct {
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// NotificationSettings gates which event types emit and on which channels.
type NotificationSettings struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Events   map[string]bool `json:"events,omitempty" yaml:"events,omitempty"`
	Channels []string        `json:"channels,omitempty" yaml:"channels,omitempty"`
	Email    *EmailConfig    `json:"email_config,omitempty" yaml:"email_config,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook_config,omitempty" yaml:"webhook_config,omitempty"`
}

// Kanban is a declarative workflow definition. Instances are immutable after
// load; the registry hands out defensive copies so callers cannot mutate the
// indexed definition.
type Kanban struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`

	States []State `json:"states" yaml:"states"`

	RecommendedTransitions []TransitionRule `json:"recommended_transitions,omitempty" yaml:"recommended_transitions,omitempty"`
	// Transitions is a legacy alias for RecommendedTransitions; merged by
	// Normalize during load.
	Transitions        []TransitionRule    `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	BlockedTransitions []BlockedTransition `json:"blocked_transitions,omitempty" yaml:"blocked_transitions,omitempty"`
	WarnedTransitions  []WarnedTransition  `json:"warned_transitions,omitempty" yaml:"warned_transitions,omitempty"`

	LinkedForms  []string          `json:"linked_forms,omitempty" yaml:"linked_forms,omitempty"`
	FieldMapping map[string]string `json:"field_mapping,omitempty" yaml:"field_mapping,omitempty"`

	SLAHours      float64               `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	Agents        *AgentSettings        `json:"agents,omitempty" yaml:"agents,omitempty"`
	Notifications *NotificationSettings `json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// Normalize folds the legacy "transitions" alias into
// RecommendedTransitions. Idempotent.
func (k *Kanban) Normalize() {
	if len(k.Transitions) > 0 {
		k.RecommendedTransitions = append(k.RecommendedTransitions, k.Transitions...)
		k.Transitions = nil
	}
}

// StateByID returns the declared state with the given id, or nil.
func (k *Kanban) StateByID(id string) *State {
	for i := range k.States {
		if k.States[i].ID == id {
			return &k.States[i]
		}
	}
	return nil
}

// HasState reports whether the state id is declared on this kanban.
func (k *Kanban) HasState(id string) bool {
	return k.StateByID(id) != nil
}

// InitialState resolves the starting state for a new process: the state
// declared with type "initial", else the first element of the agent flow
// sequence, else the first declared state. Returns nil for a kanban with no
// states.
func (k *Kanban) InitialState() *State {
	for i := range k.States {
		if k.States[i].Type == StateTypeInitial {
			return &k.States[i]
		}
	}
	if k.Agents != nil && len(k.Agents.FlowSequence) > 0 {
		if s := k.StateByID(k.Agents.FlowSequence[0]); s != nil {
			return s
		}
	}
	if len(k.States) > 0 {
		return &k.States[0]
	}
	return nil
}

// IsBlocked reports whether (from, to) is in the blocked list, together with
// the declared reason.
func (k *Kanban) IsBlocked(from, to string) (bool, string) {
	for _, b := range k.BlockedTransitions {
		if b.From == from && b.To == to {
			return true, b.Reason
		}
	}
	return false, ""
}

// IsWarned reports whether (from, to) is in the warned list, together with
// the declared rule.
func (k *Kanban) IsWarned(from, to string) (bool, *WarnedTransition) {
	for i := range k.WarnedTransitions {
		w := &k.WarnedTransitions[i]
		if w.From == from && w.To == to {
			return true, w
		}
	}
	return false, nil
}

// Recommended returns the recommended transition rule for (from, to), or nil
// when none is declared.
func (k *Kanban) Recommended(from, to string) *TransitionRule {
	for i := range k.RecommendedTransitions {
		r := &k.RecommendedTransitions[i]
		if r.From == from && r.To == to {
			return r
		}
	}
	return nil
}

// AvailableFrom returns all recommended transitions out of the given state.
func (k *Kanban) AvailableFrom(from string) []TransitionRule {
	var out []TransitionRule
	for _, r := range k.RecommendedTransitions {
		if r.From == from {
			out = append(out, r)
		}
	}
	return out
}

// CanTransition implements the permissive contract: any transition that is
// not explicitly blocked is allowed.
func (k *Kanban) CanTransition(from, to string) bool {
	blocked, _ := k.IsBlocked(from, to)
	return !blocked
}

// SLADeadline computes the process deadline from the kanban-level SLA at the
// given creation time. Returns the zero time when no SLA is configured.
func (k *Kanban) SLADeadline(createdAt time.Time) time.Time {
	if k.SLAHours <= 0 {
		return time.Time{}
	}
	return createdAt.Add(time.Duration(k.SLAHours * float64(time.Hour)))
}

// Clone returns a deep copy of the definition.
func (k *Kanban) Clone() *Kanban {
	out := *k

	out.States = make([]State, len(k.States))
	copy(out.States, k.States)
	for i := range out.States {
		out.States[i].Prerequisites = clonePrereqs(k.States[i].Prerequisites)
		if k.States[i].TimeoutHours != nil {
			hours := *k.States[i].TimeoutHours
			out.States[i].TimeoutHours = &hours
		}
	}

	out.RecommendedTransitions = make([]TransitionRule, len(k.RecommendedTransitions))
	copy(out.RecommendedTransitions, k.RecommendedTransitions)
	for i := range out.RecommendedTransitions {
		out.RecommendedTransitions[i].Prerequisites = clonePrereqs(k.RecommendedTransitions[i].Prerequisites)
	}

	out.BlockedTransitions = append([]BlockedTransition(nil), k.BlockedTransitions...)
	out.WarnedTransitions = append([]WarnedTransition(nil), k.WarnedTransitions...)
	out.LinkedForms = append([]string(nil), k.LinkedForms...)

	if k.FieldMapping != nil {
		out.FieldMapping = make(map[string]string, len(k.FieldMapping))
		for key, v := range k.FieldMapping {
			out.FieldMapping[key] = v
		}
	}

	if k.Agents != nil {
		agents := *k.Agents
		agents.FlowSequence = append([]string(nil), k.Agents.FlowSequence...)
		out.Agents = &agents
	}

	if k.Notifications != nil {
		n := *k.Notifications
		if k.Notifications.Events != nil {
			n.Events = make(map[string]bool, len(k.Notifications.Events))
			for key, v := range k.Notifications.Events {
				n.Events[key] = v
			}
		}
		n.Channels = append([]string(nil), k.Notifications.Channels...)
		if k.Notifications.Email != nil {
			email := *k.Notifications.Email
			email.Recipients = append([]string(nil), k.Notifications.Email.Recipients...)
			n.Email = &email
		}
		if k.Notifications.Webhook != nil {
			wh := *k.Notifications.Webhook
			if k.Notifications.Webhook.Headers != nil {
				wh.Headers = make(map[string]string, len(k.Notifications.Webhook.Headers))
				for key, v := range k.Notifications.Webhook.Headers {
					wh.Headers[key] = v
				}
			}
			n.Webhook = &wh
		}
		out.Notifications = &n
	}

	return &out
}

func clonePrereqs(in []Prerequisite) []Prerequisite {
	if in == nil {
		return nil
	}
	out := make([]Prerequisite, len(in))
	copy(out, in)
	for i := range out {
		if in[i].Headers != nil {
			out[i].Headers = make(map[string]string, len(in[i].Headers))
			for k, v := range in[i].Headers {
				out[i].Headers[k] = v
			}
		}
	}
	return out
}

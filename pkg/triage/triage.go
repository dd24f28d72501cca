// Package triage evaluates an inbound envelope against a priority-ordered
// rule list before any LLM classification runs, so cheap deterministic
// routing never pays for a model call.
package triage

import (
	"strings"
)

// RuleType enumerates the condition kinds a Rule can express.
type RuleType string

const (
	RuleSenderDomain    RuleType = "sender_domain"
	RuleSenderAddress   RuleType = "sender_address"
	RuleHeaderCondition RuleType = "header_condition"
	RuleMIMEType        RuleType = "mime_type"
)

// MatchMode controls sender_domain comparison.
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchSuffix MatchMode = "suffix"
)

// HeaderOp enumerates header_condition comparison operators.
type HeaderOp string

const (
	HeaderPresent  HeaderOp = "present"
	HeaderEquals   HeaderOp = "equals"
	HeaderContains HeaderOp = "contains"
)

// Action is the outcome a matching rule (or thread affinity, or the
// pass-through default) produces.
type Action string

const (
	ActionSkip             Action = "skip"
	ActionMetadataOnly     Action = "metadata_only"
	ActionLowPriorityQueue Action = "low_priority_queue"
	ActionPassThrough      Action = "pass_through"
)

// ActionRouteTo builds the dynamic "route_to:<butler>" action string.
func ActionRouteTo(butler string) Action {
	return Action("route_to:" + butler)
}

// Rule is one priority-ordered condition/action pair. Conditions is a raw
// map because its shape depends on Type; Evaluate decodes only the fields
// relevant to that type and skips the rule silently on a malformed shape.
type Rule struct {
	ID         string
	Type       RuleType
	Priority   int
	Conditions map[string]any
	Action     Action
}

// Envelope is the normalized view of an inbound message that rules
// evaluate against. Built by MakeTriageEnvelopeFromIngest from a raw
// ingest payload.
type Envelope struct {
	SenderAddress string
	SourceChannel string
	Headers       map[string]string
	MIMETypes     []string
	ThreadID      string
}

// Result is the outcome of evaluating an Envelope against a rule list.
type Result struct {
	Action         Action
	BypassesLLM    bool
	MatchedRuleID  string
	MatchedRuleType string
}

// Evaluate runs the deterministic triage pass. rules must already be
// sorted by (priority ASC, created_at ASC); Evaluate does not sort.
// threadAffinity, when non-empty, names a butler a prior message in the
// same thread was already routed to and short-circuits rule evaluation.
func Evaluate(env Envelope, rules []Rule, threadAffinity string) Result {
	if threadAffinity != "" {
		return Result{
			Action:          ActionRouteTo(threadAffinity),
			BypassesLLM:     true,
			MatchedRuleType: "thread_affinity",
		}
	}

	for _, rule := range rules {
		if matchRule(env, rule) {
			return Result{
				Action:          rule.Action,
				BypassesLLM:     rule.Action != ActionPassThrough,
				MatchedRuleID:   rule.ID,
				MatchedRuleType: string(rule.Type),
			}
		}
	}

	return Result{Action: ActionPassThrough, BypassesLLM: false}
}

func matchRule(env Envelope, rule Rule) bool {
	switch rule.Type {
	case RuleSenderDomain:
		return matchSenderDomain(env, rule.Conditions)
	case RuleSenderAddress:
		return matchSenderAddress(env, rule.Conditions)
	case RuleHeaderCondition:
		return matchHeaderCondition(env, rule.Conditions)
	case RuleMIMEType:
		return matchMIMEType(env, rule.Conditions)
	default:
		// Unknown rule_type values are skipped silently.
		return false
	}
}

func matchSenderDomain(env Envelope, cond map[string]any) bool {
	domain, _ := cond["domain"].(string)
	if domain == "" {
		return false
	}
	mode, _ := cond["match"].(string)

	at := strings.LastIndexByte(env.SenderAddress, '@')
	if at < 0 {
		return false
	}
	senderDomain := strings.ToLower(env.SenderAddress[at+1:])
	domain = strings.ToLower(domain)

	switch MatchMode(mode) {
	case MatchSuffix:
		return senderDomain == domain || strings.HasSuffix(senderDomain, "."+domain)
	case MatchExact, "":
		return senderDomain == domain
	default:
		return false
	}
}

func matchSenderAddress(env Envelope, cond map[string]any) bool {
	address, _ := cond["address"].(string)
	if address == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(env.SenderAddress), strings.TrimSpace(address))
}

func matchHeaderCondition(env Envelope, cond map[string]any) bool {
	name, _ := cond["name"].(string)
	op, _ := cond["op"].(string)
	if name == "" || op == "" {
		return false
	}

	value, present := lookupHeader(env.Headers, name)

	switch HeaderOp(op) {
	case HeaderPresent:
		return present
	case HeaderEquals:
		expected, _ := cond["value"].(string)
		if !present {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(expected))
	case HeaderContains:
		expected, _ := cond["value"].(string)
		if !present {
			return false
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(expected))
	default:
		return false
	}
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func matchMIMEType(env Envelope, cond map[string]any) bool {
	pattern, _ := cond["mime_type"].(string)
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)

	for _, mt := range env.MIMETypes {
		if mimeMatches(strings.ToLower(mt), pattern) {
			return true
		}
	}
	return false
}

func mimeMatches(mt, pattern string) bool {
	if mt == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(mt, prefix)
	}
	return false
}

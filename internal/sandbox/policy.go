// Package sandbox implements the Sandbox Provider: it provisions one
// isolated execution environment per Job, enforces a deny-by-default
// capability policy (egress allow-listing plus a fixed syscall deny-list),
// applies the declared resource caps, and tears the environment down on
// completion or cancellation.
//
// The policy engine here is adapted from a capability-based, Android-style
// access control model: every action is denied unless an explicit allow
// rule matches. Rules carry no priority; any one matching allow rule
// permits the action.
package sandbox

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

// SyscallClass names a class of syscalls that is always denied inside a
// sandbox, regardless of what an individual ProblemSpec declares. These are
// the classes a submission has no legitimate reason to invoke during
// evaluation.
type SyscallClass string

const (
	SyscallClassPtrace        SyscallClass = "ptrace"
	SyscallClassMount         SyscallClass = "mount"
	SyscallClassModuleLoad    SyscallClass = "module_load"
	SyscallClassReboot        SyscallClass = "reboot"
	SyscallClassRawSockets    SyscallClass = "raw_sockets"
	SyscallClassKeyring       SyscallClass = "keyring"
	SyscallClassUserNamespace SyscallClass = "user_namespace"
)

// DeniedSyscallClasses is the fixed, non-configurable deny-list enforced in
// every sandbox.
var DeniedSyscallClasses = []SyscallClass{
	SyscallClassPtrace,
	SyscallClassMount,
	SyscallClassModuleLoad,
	SyscallClassReboot,
	SyscallClassRawSockets,
	SyscallClassKeyring,
	SyscallClassUserNamespace,
}

// PolicyEffect is the result of a policy evaluation.
type PolicyEffect string

const (
	PolicyEffectAllow PolicyEffect = "allow"
	PolicyEffectDeny  PolicyEffect = "deny"
)

// Policy is the deny-by-default access policy for one Job's sandbox: an
// egress allow-list derived from the ProblemSpec, plus the fixed syscall
// deny-list.
type Policy struct {
	mu            sync.RWMutex
	allowedEgress []model.EgressRule
	violations    []Violation
}

// Violation records one denied action, for evidence and for the scoring
// policy-violation penalty.
type Violation struct {
	Action   string
	Resource string
}

// NewPolicy builds a Policy from a ProblemSpec's declared egress allow-list.
func NewPolicy(allowedEgress []model.EgressRule) *Policy {
	return &Policy{allowedEgress: append([]model.EgressRule(nil), allowedEgress...)}
}

// CheckEgress evaluates an outbound connection attempt against the
// allow-list, deny-by-default. Host may be a bare hostname or IP. A rule
// matches when its host equals host (case-insensitively), is "*", or is a
// "*.domain" pattern whose suffix host ends with, and its port equals port
// or is 0 (any port).
func (p *Policy) CheckEgress(host string, port int) error {
	p.mu.RLock()
	allowed := false
	for _, rule := range p.allowedEgress {
		if hostMatches(rule.Host, host) && (rule.Port == 0 || rule.Port == port) {
			allowed = true
			break
		}
	}
	p.mu.RUnlock()

	if !allowed {
		p.recordViolation("egress", net.JoinHostPort(host, strconv.Itoa(port)))
		return fmt.Errorf("sandbox: egress to %s denied by policy", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return nil
}

// CheckSyscallClass evaluates a syscall class request; these are always
// denied, there is no allow path.
func (p *Policy) CheckSyscallClass(class SyscallClass) error {
	for _, denied := range DeniedSyscallClasses {
		if denied == class {
			p.recordViolation("syscall", string(class))
			return fmt.Errorf("sandbox: syscall class %q denied by policy", class)
		}
	}
	return nil
}

func (p *Policy) recordViolation(action, resource string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.violations = append(p.violations, Violation{Action: action, Resource: resource})
}

// Violations returns every denied action recorded so far.
func (p *Policy) Violations() []Violation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Violation, len(p.violations))
	copy(out, p.violations)
	return out
}

func hostMatches(rulePattern, host string) bool {
	if rulePattern == "*" {
		return true
	}
	if strings.EqualFold(rulePattern, host) {
		return true
	}
	if strings.HasPrefix(rulePattern, "*.") {
		suffix := rulePattern[1:] // ".example.com"
		return strings.HasSuffix(strings.ToLower(host), strings.ToLower(suffix))
	}
	return false
}

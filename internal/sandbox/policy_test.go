package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

func TestCheckEgressDeniesByDefault(t *testing.T) {
	p := NewPolicy(nil)
	err := p.CheckEgress("api.example.com", 443)
	assert.Error(t, err)
	assert.Len(t, p.Violations(), 1)
}

func TestCheckEgressAllowsExactMatch(t *testing.T) {
	p := NewPolicy([]model.EgressRule{{Host: "api.example.com", Port: 443}})
	assert.NoError(t, p.CheckEgress("api.example.com", 443))
}

func TestCheckEgressAllowsWildcardSubdomain(t *testing.T) {
	p := NewPolicy([]model.EgressRule{{Host: "*.example.com", Port: 443}})
	assert.NoError(t, p.CheckEgress("api.example.com", 443))
	assert.Error(t, p.CheckEgress("api.other.com", 443))
}

func TestCheckEgressPortMismatchDenied(t *testing.T) {
	p := NewPolicy([]model.EgressRule{{Host: "api.example.com", Port: 443}})
	assert.Error(t, p.CheckEgress("api.example.com", 80))
}

func TestCheckSyscallClassAlwaysDenied(t *testing.T) {
	p := NewPolicy(nil)
	assert.Error(t, p.CheckSyscallClass(SyscallClassPtrace))
	assert.Error(t, p.CheckSyscallClass(SyscallClassMount))
	assert.Len(t, p.Violations(), 2)
}

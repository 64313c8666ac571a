// Copyright 2026 Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

// Code is a stable machine-readable error identifier.
type Code string

// Client codes.
const (
	CodeValidation      Code = "validation"
	CodeMissingRequired Code = "missing_required"
	CodeWrongType       Code = "wrong_type"
	CodeNotFound        Code = "not_found"
	CodeInvalidFormat   Code = "invalid_format"
	CodeInvalidConfig   Code = "invalid_config"
	CodePlanningFailed  Code = "planning_failed"
	CodeScopeViolation  Code = "scope_violation"
)

// Server codes.
const (
	CodeInternal      Code = "internal"
	CodePanic         Code = "panic"
	CodeSerialization Code = "serialization"
)

// Infra codes.
const (
	CodeStorage           Code = "storage"
	CodeNetwork           Code = "network"
	CodeTimeout           Code = "timeout"
	CodePoolExhausted     Code = "pool_exhausted"
	CodeRateLimited       Code = "rate_limited"
	CodeCircuitOpen       Code = "circuit_open"
	CodeBulkheadRejected  Code = "bulkhead_rejected"
	CodeConflict          Code = "conflict"
	CodeCrypto            Code = "crypto"
)

// Domain codes.
const (
	CodeTransient            Code = "transient"
	CodeFatal                Code = "fatal"
	CodeCancelled            Code = "cancelled"
	CodeBudgetExceeded       Code = "budget_exceeded"
	CodeDataLimitExceeded    Code = "data_limit_exceeded"
	CodeNodeFailed           Code = "node_failed"
	CodeVariableNotFound     Code = "variable_not_found"
	CodeExpression           Code = "expression"
	CodeUnsupportedOperation Code = "unsupported_operation"
	CodeCapabilityDenied     Code = "capability_denied"
)

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeCatalogLoadReadFailure  Code = "catalog.load.read.failure"
	CodeCatalogParseInvalid     Code = "catalog.parse.invalid"
	CodeCatalogSchemaInvalid    Code = "catalog.schema.invalid"
	CodeCatalogToolNotFound     Code = "catalog.tool.not_found"
	CodeCatalogPermissionDenied Code = "catalog.permission.denied"
	CodeCatalogRiskLevelInvalid Code = "catalog.risk_level.invalid"

	CodeGateConfirmationNotFound Code = "gate.confirmation.not_found"
	CodeGateConfirmationExpired  Code = "gate.confirmation.expired"
	CodeGateDecisionRejected     Code = "gate.decision.rejected"
	CodeGateCapacityExceeded     Code = "gate.capacity.exceeded"

	CodeExecutorArgsInvalid      Code = "executor.args.invalid_input"
	CodeExecutorCallTimeout      Code = "executor.call.timeout"
	CodeExecutorCallTransient    Code = "executor.call.transient_failure"
	CodeExecutorCallRejected     Code = "executor.call.rejected"
	CodeExecutorRetriesExhausted Code = "executor.retries.exhausted"
	CodeExecutorBuiltinNotFound  Code = "executor.builtin.not_found"
	CodeExecutorCredentialDenied Code = "executor.credential.denied"

	CodeEnrichSourceTimeout Code = "enrich.source.timeout"
	CodeEnrichSourceFailure Code = "enrich.source.failure"

	CodeTurnInvalidInput       Code = "turn.invalid_input"
	CodeTurnToolBudgetExceeded Code = "turn.tool.budget_exceeded"
	CodeTurnModelFailure       Code = "turn.model.upstream_failure"
	CodeTurnCancelled          Code = "turn.cancelled"

	CodeRouterNoDefault      Code = "router.tier.no_default"
	CodeRouterClassifyFailed Code = "router.classify.failure"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"

	CodeStoreNotFound        Code = "store.entity.get.not_found"
	CodeStoreConflict        Code = "store.conflict"
	CodeStoreInvalidInput    Code = "store.invalid_input"
	CodeStoreDatabaseFailure Code = "store.database.failure"

	CodeCredentialNotFound     Code = "credential.get.not_found"
	CodeCredentialStoreFailure Code = "credential.store.failure"
	CodeCredentialInvalidInput Code = "credential.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldConversationID(value string) Attr {
	return Field("conversation_id", value)
}

func FieldUserID(value string) Attr {
	return Field("user_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldConfirmationID(value string) Attr {
	return Field("confirmation_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsRejected reports whether the error is a permission or decision refusal.
// Refusals are surfaced to the user as a clear "no", not as a system failure.
func IsRejected(err error) bool {
	r := reason(CodeOf(err))
	return r == "rejected" || r == "denied"
}

func IsExpired(err error) bool {
	return reason(CodeOf(err)) == "expired"
}

func IsCapacity(err error) bool {
	return HasCode(err, CodeGateCapacityExceeded)
}

// IsBudgetExceeded matches the full code so it stays disjoint from
// IsCapacity; both codes end in an "exceeded" reason.
func IsBudgetExceeded(err error) bool {
	return HasCode(err, CodeTurnToolBudgetExceeded)
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsTransient reports whether an external call failed in a way the executor's
// retry policy may retry (network error or upstream 5xx).
func IsTransient(err error) bool {
	r := reason(CodeOf(err))
	return r == "transient_failure" || r == "upstream_failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsRejected(err):
		return http.StatusForbidden
	case IsExpired(err):
		return http.StatusGone
	case IsCapacity(err), IsBudgetExceeded(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

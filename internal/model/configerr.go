package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // shell.max_active
	Code    string // unknown_field | out_of_range | invalid_duration | invalid_enum ...
	Message string
	Pos     CueErrorPosition
	Raw     string // message reported by CUE
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

const (
	CodeUnknownField       = "unknown_field"
	CodeUnsupportedVersion = "unsupported_version"
	CodeNotAbsolute        = "not_absolute"
	CodeEmptyValue         = "empty_value"
	CodeOutOfRange         = "out_of_range"
	CodeInvalidDuration    = "invalid_duration"
	CodeInvalidEnum        = "invalid_enum"
	CodeTypeMismatch       = "type_mismatch"
	CodeValidation         = "validation_error"
)

type fieldRule struct {
	code string
	msg  string
}

const durationHint = "must be a duration such as 20s, 1h30m, 1d or PT20S"

// fieldRules mirror the constraints of config.cue.
var fieldRules = map[string]fieldRule{
	"version":             {CodeUnsupportedVersion, "must be 0"},
	"shell.root_dir":      {CodeNotAbsolute, "must be an absolute path"},
	"shell.interpreter":   {CodeEmptyValue, "must not be empty"},
	"shell.max_active":    {CodeOutOfRange, "must be an integer between 1 and 64"},
	"dump.retry_interval": {CodeInvalidDuration, durationHint},
	"janitor.enabled":     {CodeTypeMismatch, "must be a boolean"},
	"janitor.schedule":    {CodeEmptyValue, "must be a cron expression"},
	"janitor.interval":    {CodeInvalidDuration, durationHint},
	"janitor.max_age":     {CodeInvalidDuration, durationHint},
	"service.verbose":     {CodeTypeMismatch, "must be a boolean"},
	"service.log":         {CodeEmptyValue, "must name stderr, stdout, discard or a file"},
	"service.bus":         {CodeInvalidEnum, "must be one of"},
	"service.metrics":     {CodeInvalidEnum, "must be one of"},
}

var enumValues = map[string][]string{
	"service.bus":     {BusSystem, BusSession},
	"service.metrics": {MetricsNone, MetricsStdout},
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed`)
	reMismatch   = regexp.MustCompile(`(?i)mismatched types`)
)

// CueErrDetails turns an error returned by LoadConfig into one detail per
// offending field. Errors not coming from CUE yield nil.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var out []CueErrorDetail
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		path := fieldPath(e.Path())
		pos := position(e)
		if path == "" && pos.Filename == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		code, msg := classify(raw, path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	if reNotAllowed.MatchString(raw) {
		return CodeUnknownField, fmt.Sprintf("%s is not a known field", path)
	}
	rule, ok := fieldRules[path]
	if !ok {
		if reMismatch.MatchString(raw) {
			return CodeTypeMismatch, fmt.Sprintf("%s has the wrong type", path)
		}
		return CodeValidation, raw
	}
	if values, ok := enumValues[path]; ok {
		return rule.code, fmt.Sprintf("%s %s %s", path, rule.msg, strings.Join(values, ", "))
	}
	return rule.code, fmt.Sprintf("%s %s", path, rule.msg)
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// fieldPath drops the #Config selector CUE prefixes some paths with.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

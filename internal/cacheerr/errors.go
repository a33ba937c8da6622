// Package cacheerr defines the coded failures surfaced by the cache engine.
// Every error carries a stable Code plus structured detail (operation, section,
// arbitrary key/value context) so callers and the statistics tracker can
// classify failures without string matching. Sentinels exist per code so
// errors.Is(err, cacheerr.ErrCorruptedData) works on any wrapped error.
package cacheerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code 是错误分类的稳定标识，会出现在日志、统计与 HTTP 响应中。
type Code string

const (
	CodeDurableUnavailable   Code = "INDEXEDDB_NOT_AVAILABLE"
	CodeStorageUnavailable   Code = "STORAGE_NOT_AVAILABLE"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeDownloadFailed       Code = "DOWNLOAD_FAILED"
	CodeCompressionFailed    Code = "COMPRESSION_FAILED"
	CodeInvalidSection       Code = "INVALID_SECTION"
	CodeExpiredData          Code = "EXPIRED_DATA"
	CodeCorruptedData        Code = "CORRUPTED_DATA"
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeTimeout              Code = "TIMEOUT"
	CodeUnknown              Code = "UNKNOWN"
)

// Codes 返回全部已知错误码，供统计模块预先初始化计数器。
func Codes() []Code {
	return []Code{
		CodeDurableUnavailable,
		CodeStorageUnavailable,
		CodeQuotaExceeded,
		CodeDownloadFailed,
		CodeCompressionFailed,
		CodeInvalidSection,
		CodeExpiredData,
		CodeCorruptedData,
		CodeInitializationFailed,
		CodeTimeout,
	}
}

// Sentinel errors，配合 errors.Is 使用；Error.Is 会按 Code 匹配它们。
var (
	ErrDurableUnavailable   = &Error{Code: CodeDurableUnavailable}
	ErrStorageUnavailable   = &Error{Code: CodeStorageUnavailable}
	ErrQuotaExceeded        = &Error{Code: CodeQuotaExceeded}
	ErrDownloadFailed       = &Error{Code: CodeDownloadFailed}
	ErrCompressionFailed    = &Error{Code: CodeCompressionFailed}
	ErrInvalidSection       = &Error{Code: CodeInvalidSection}
	ErrExpiredData          = &Error{Code: CodeExpiredData}
	ErrCorruptedData        = &Error{Code: CodeCorruptedData}
	ErrInitializationFailed = &Error{Code: CodeInitializationFailed}
	ErrTimeout              = &Error{Code: CodeTimeout}
)

// Error 是带错误码与上下文的结构化错误。
type Error struct {
	Code    Code
	Op      string
	Section string
	Details map[string]any
	Err     error
}

// New 构造一个结构化错误，err 为空时 Error() 仅输出错误码与 op。
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf 以格式化消息作为底层原因构造错误。
func Newf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithSection 记录出错的 section。
func (e *Error) WithSection(section string) *Error {
	e.Section = section
	return e
}

// WithDetail 追加一个上下文字段，重复 key 会覆盖旧值。
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Section != "" {
		fmt.Fprintf(&b, " [%s]", e.Section)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is 以错误码为准匹配 sentinel。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && (other.Op == "" || other.Op == e.Op)
}

// CodeOf 提取错误链中的第一个错误码，非结构化错误返回 CodeUnknown。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// Wrap 对已带错误码的错误原样返回，否则以 fallback 错误码包装。
func Wrap(err error, fallback Code, op string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return New(fallback, op, err)
}

// InvalidSection 是 section 校验失败的快捷构造。
func InvalidSection(section, reason string) *Error {
	return (&Error{Code: CodeInvalidSection, Op: "validate", Err: errors.New(reason)}).WithSection(section)
}

// Corrupted 是数据损坏的快捷构造。
func Corrupted(section string, format string, args ...any) *Error {
	return Newf(CodeCorruptedData, "decode", format, args...).WithSection(section)
}

// WrapSection 与 Wrap 相同，新建的错误会记录 section。
func WrapSection(err error, fallback Code, op, section string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return New(fallback, op, err).WithSection(section)
}

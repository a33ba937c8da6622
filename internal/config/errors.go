package config

import "fmt"

// FieldError 定位到具体配置项，Err 保留底层原因（如 URL 解析错误）。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func wrapFieldError(field, reason string, err error) error {
	return FieldError{Field: field, Reason: reason, Err: err}
}

// sectionField 输出 Section[name].Field；名称缺失时退回数组下标，便于定位第几个块。
func sectionField(index int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("Section[%d].%s", index, field)
	}
	return fmt.Sprintf("Section[%s].%s", name, field)
}

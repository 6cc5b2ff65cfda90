package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnknownEvent = errors.New("unknown event")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误信息里用 json 字段名，和客户端看到的一致
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decode 解析 data 并校验。data 缺省按 {} 处理，这样必填字段会报出具体名字
func decode(v *validator.Validate, data json.RawMessage, dst any) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := v.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	fe := verrs[0]
	field := fe.Namespace()
	// 去掉最外层的结构体名：CommitRequest.additions[0].author -> additions[0].author
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	if fe.Tag() == "required" {
		return fmt.Errorf("%w: %s is required", ErrBadRequest, field)
	}
	return fmt.Errorf("%w: %s failed on %s", ErrBadRequest, field, fe.Tag())
}

package link

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Hash 计算一条 link 的稳定标识 H(data, author, timestamp)。
// 按值计算而不是按客户端原始字节：同一个值换一种 JSON 写法（转义、1.0/1、嵌套 key 顺序）结果不变，
// 并与老客户端的 32 位滚动哈希逐位一致。
func Hash(l Link) int32 {
	return HashOf(l.Data, l.Author, timestampText(l.Timestamp))
}

// HashOf mash = canonical(data) + quote(author) + timestamp，再做 h*31 + c 滚动。
// data 的序列化规则：顶层 key 排序后作为白名单，嵌套对象也只保留白名单里的 key、按白名单顺序输出。
func HashOf(data map[string]json.RawMessage, author string, timestamp string) int32 {
	var mash bytes.Buffer
	writeData(&mash, data)
	writeJSString(&mash, author)
	mash.WriteString(timestamp)

	var h int32
	for _, unit := range utf16.Encode([]rune(mash.String())) {
		// h*31 + c，int32 自然溢出回绕
		h = (h << 5) - h + int32(unit)
	}
	return h
}

// Hashes 批量计算，用于事件里的外部键
func Hashes(links []Link) []int32 {
	out := make([]int32, 0, len(links))
	for _, l := range links {
		out = append(out, Hash(l))
	}
	return out
}

func writeData(buf *bytes.Buffer, data map[string]json.RawMessage) {
	if data == nil {
		buf.WriteString("null")
		return
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sortUTF16(keys)

	values := make(map[string]any, len(data))
	for k, raw := range data {
		values[k] = decodeValue(raw)
	}
	writeValue(buf, values, keys)
}

// decodeValue 解析失败的值按 null 处理
func decodeValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func writeValue(buf *bytes.Buffer, v any, keys []string) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil && !math.IsInf(f, 0) {
			buf.WriteString("null")
			return
		}
		buf.WriteString(formatNumber(f))
	case string:
		writeJSString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, e, keys)
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		first := true
		for _, k := range keys {
			e, ok := x[k]
			if !ok {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeJSString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, e, keys)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

// formatNumber 与 JS Number#toString 相同；NaN/Infinity 序列化为 null
func formatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "null"
	}
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// 1e-07 -> 1e-7
		if n := len(s); n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s
}

const hexDigits = "0123456789abcdef"

// writeJSString 按 JSON.stringify 的规则加引号转义：只转义引号、反斜杠和控制字符
func writeJSString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// sortUTF16 JS 默认排序按 UTF-16 码元比较，BMP 以外的字符和 UTF-8 字节序不同
func sortUTF16(keys []string) {
	units := make(map[string][]uint16, len(keys))
	for _, k := range keys {
		units[k] = utf16.Encode([]rune(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := units[keys[i]], units[keys[j]]
		for n := 0; n < len(a) && n < len(b); n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return len(a) < len(b)
	})
}

// timestampText 时间戳拼进 mash 时的文本：字符串取内容，数字按 JS 规则格式化，
// 缺省为 "undefined"，null 为 "null"
func timestampText(t RawTime) string {
	raw := bytes.TrimSpace(t)
	if len(raw) == 0 {
		return "undefined"
	}
	return concatText(decodeValue(json.RawMessage(raw)))
}

func concatText(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil && !math.IsInf(f, 0) {
			return x.String()
		}
		if math.IsInf(f, 1) {
			return "Infinity"
		}
		if math.IsInf(f, -1) {
			return "-Infinity"
		}
		return formatNumber(f)
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			if e != nil {
				parts[i] = concatText(e)
			}
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

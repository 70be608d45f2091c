// Package params holds the typed input and output values of a job.
//
// An ActualParameter round-trips exactly through both its XML and its text
// form: callers persist parameters and rebuild them byte for byte.
package params

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

type Type int

const (
	String Type = iota
	Numeric
	URI
	Structured
)

var typeNames = []string{"string", "numeric", "uri", "structured"}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(typeNames) {
		return nil, fmt.Errorf("invalid parameter type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	for i, n := range typeNames {
		if n == string(text) {
			*t = Type(i)
			return nil
		}
	}
	return fmt.Errorf("unknown parameter type %q", text)
}

// Field is one member of a Structured value. Order is significant.
type Field struct {
	Name  string
	Value string
}

// ActualParameter is a named, typed value. Numeric values keep their lexical
// form ("1.50" stays "1.50").
type ActualParameter struct {
	Name   string
	Type   Type
	Value  string
	Fields []Field
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

func ValidName(name string) bool { return nameRe.MatchString(name) }

func NewString(name, v string) ActualParameter {
	return ActualParameter{Name: name, Type: String, Value: v}
}

// NewNumeric fails unless lexical parses as a float.
func NewNumeric(name, lexical string) (ActualParameter, error) {
	p := ActualParameter{Name: name, Type: Numeric, Value: lexical}
	return p, p.Validate()
}

func NewURI(name, uri string) (ActualParameter, error) {
	p := ActualParameter{Name: name, Type: URI, Value: uri}
	return p, p.Validate()
}

func NewStructured(name string, fields ...Field) ActualParameter {
	return ActualParameter{Name: name, Type: Structured, Fields: append([]Field(nil), fields...)}
}

// Declare returns an output parameter with no value yet.
func Declare(name string, t Type) ActualParameter {
	return ActualParameter{Name: name, Type: t}
}

func (p ActualParameter) Validate() error {
	if !ValidName(p.Name) {
		return fmt.Errorf("invalid parameter name %q", p.Name)
	}
	if p.Type != Structured && len(p.Fields) > 0 {
		return fmt.Errorf("parameter %s: only structured values have fields", p.Name)
	}
	switch p.Type {
	case String:
	case Numeric:
		// Empty is a declared output that has not been set yet.
		if p.Value == "" {
			break
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64); err != nil {
			return fmt.Errorf("parameter %s: %q is not numeric", p.Name, p.Value)
		}
	case URI:
		if _, err := url.Parse(p.Value); err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
	case Structured:
		if p.Value != "" {
			return fmt.Errorf("parameter %s: structured value must be given as fields", p.Name)
		}
		for _, f := range p.Fields {
			if !ValidName(f.Name) {
				return fmt.Errorf("parameter %s: invalid field name %q", p.Name, f.Name)
			}
		}
	default:
		return fmt.Errorf("parameter %s: invalid type %d", p.Name, int(p.Type))
	}
	return nil
}

// Parse builds a value of p's name and type from lexical. Structured values
// are written "a=1,b=2".
func (p ActualParameter) Parse(lexical string) (ActualParameter, error) {
	out := ActualParameter{Name: p.Name, Type: p.Type}
	if p.Type == Structured {
		for _, kv := range strings.Split(lexical, ",") {
			if kv == "" {
				continue
			}
			i := strings.Index(kv, "=")
			if i < 0 {
				return out, fmt.Errorf("parameter %s: field %q has no value", p.Name, kv)
			}
			out.Fields = append(out.Fields, Field{Name: kv[:i], Value: kv[i+1:]})
		}
	} else {
		if p.Type == Numeric && strings.TrimSpace(lexical) == "" {
			return out, fmt.Errorf("parameter %s: empty numeric value", p.Name)
		}
		out.Value = lexical
	}
	return out, out.Validate()
}

// Arg is the value as a single command line argument.
func (p ActualParameter) Arg() string {
	if p.Type != Structured {
		return p.Value
	}
	parts := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		parts[i] = f.Name + "=" + f.Value
	}
	return strings.Join(parts, ",")
}

func (p ActualParameter) Equal(o ActualParameter) bool {
	if p.Name != o.Name || p.Type != o.Type || p.Value != o.Value || len(p.Fields) != len(o.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

func (p ActualParameter) String() string {
	b, _ := p.MarshalText()
	return string(b)
}

// MarshalText writes type:name="value", or for Structured
// structured:name={"f1"="v1","f2"="v2"}. Values are Go-quoted.
func (p ActualParameter) MarshalText() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(p.Type.String())
	b.WriteByte(':')
	b.WriteString(p.Name)
	b.WriteByte('=')
	if p.Type != Structured {
		b.WriteString(strconv.Quote(p.Value))
		return []byte(b.String()), nil
	}
	b.WriteByte('{')
	for i, f := range p.Fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(f.Name))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(f.Value))
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (p *ActualParameter) UnmarshalText(text []byte) error {
	s := string(text)
	colon := strings.Index(s, ":")
	eq := strings.Index(s, "=")
	if colon < 0 || eq < colon {
		return fmt.Errorf("malformed parameter %q", s)
	}
	var out ActualParameter
	if err := out.Type.UnmarshalText([]byte(s[:colon])); err != nil {
		return err
	}
	out.Name = s[colon+1 : eq]
	rest := s[eq+1:]

	if out.Type != Structured {
		v, err := strconv.Unquote(rest)
		if err != nil {
			return fmt.Errorf("malformed value in %q: %v", s, err)
		}
		out.Value = v
	} else {
		if !strings.HasPrefix(rest, "{") || !strings.HasSuffix(rest, "}") {
			return fmt.Errorf("malformed structured value in %q", s)
		}
		rest = rest[1 : len(rest)-1]
		for rest != "" {
			name, err := unquotePrefix(&rest)
			if err != nil || !strings.HasPrefix(rest, "=") {
				return fmt.Errorf("malformed field in %q", s)
			}
			rest = rest[1:]
			value, err := unquotePrefix(&rest)
			if err != nil {
				return fmt.Errorf("malformed field in %q", s)
			}
			out.Fields = append(out.Fields, Field{Name: name, Value: value})
			if rest != "" {
				if rest[0] != ',' {
					return fmt.Errorf("malformed field list in %q", s)
				}
				rest = rest[1:]
			}
		}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

func unquotePrefix(s *string) (string, error) {
	q, err := strconv.QuotedPrefix(*s)
	if err != nil {
		return "", err
	}
	*s = (*s)[len(q):]
	return strconv.Unquote(q)
}

const base64Encoding = "base64"

type xmlParameter struct {
	XMLName  xml.Name   `xml:"parameter"`
	Name     string     `xml:"name,attr"`
	Type     Type       `xml:"type,attr"`
	Encoding string     `xml:"encoding,attr,omitempty"`
	Value    string     `xml:",chardata"`
	Fields   []xmlField `xml:"field"`
}

type xmlField struct {
	Name     string `xml:"name,attr"`
	Encoding string `xml:"encoding,attr,omitempty"`
	Value    string `xml:",chardata"`
}

// xmlSafe is false for text encoding/xml would alter: invalid UTF-8, control
// characters XML forbids, or a carriage return (normalized away by parsers).
func xmlSafe(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '\r' || (r < 0x20 && r != '\t' && r != '\n') || r == 0xFFFE || r == 0xFFFF {
			return false
		}
	}
	return true
}

func encodeXMLText(s string) (value, encoding string) {
	if xmlSafe(s) {
		return s, ""
	}
	return base64.StdEncoding.EncodeToString([]byte(s)), base64Encoding
}

func decodeXMLText(value, encoding string) (string, error) {
	switch encoding {
	case "":
		return value, nil
	case base64Encoding:
		b, err := base64.StdEncoding.DecodeString(value)
		return string(b), err
	}
	return "", fmt.Errorf("unknown encoding %q", encoding)
}

func (p ActualParameter) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := p.Validate(); err != nil {
		return err
	}
	x := xmlParameter{Name: p.Name, Type: p.Type}
	x.Value, x.Encoding = encodeXMLText(p.Value)
	for _, f := range p.Fields {
		xf := xmlField{Name: f.Name}
		xf.Value, xf.Encoding = encodeXMLText(f.Value)
		x.Fields = append(x.Fields, xf)
	}
	return e.Encode(x)
}

func (p *ActualParameter) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var x xmlParameter
	if err := d.DecodeElement(&x, &start); err != nil {
		return err
	}
	out := ActualParameter{Name: x.Name, Type: x.Type}
	var err error
	if x.Type != Structured {
		if out.Value, err = decodeXMLText(x.Value, x.Encoding); err != nil {
			return err
		}
	}
	for _, xf := range x.Fields {
		v, err := decodeXMLText(xf.Value, xf.Encoding)
		if err != nil {
			return err
		}
		out.Fields = append(out.Fields, Field{Name: xf.Name, Value: v})
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

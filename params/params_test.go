package params

import (
	"encoding/xml"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericKeepsLexicalForm(t *testing.T) {
	p, err := NewNumeric("ecut", "1.50")
	require.NoError(t, err)
	b, err := xml.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `<parameter name="ecut" type="numeric">1.50</parameter>`, string(b))

	var back ActualParameter
	require.NoError(t, xml.Unmarshal(b, &back))
	assert.Equal(t, "1.50", back.Value)

	_, err = NewNumeric("ecut", "one")
	assert.Error(t, err)
}

func TestTextForm(t *testing.T) {
	p := NewStructured("grid", Field{"nx", "4"}, Field{"ny", `a"b`})
	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, `structured:grid={"nx"="4","ny"="a\"b"}`, string(text))

	var back ActualParameter
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, p.Equal(back))

	for _, bad := range []string{"", "string", "string:x", `string:x=unquoted`, `structured:x={"a"}`, `bogus:x=""`, `string:1x=""`} {
		assert.Error(t, back.UnmarshalText([]byte(bad)), bad)
	}
}

func TestInvalidXMLCharactersSurvive(t *testing.T) {
	p := NewString("blob", "a\x00b\r\n\xff")
	b, err := xml.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `encoding="base64"`)
	var back ActualParameter
	require.NoError(t, xml.Unmarshal(b, &back))
	assert.True(t, p.Equal(back))
}

func TestParseOutputValue(t *testing.T) {
	decl := Declare("grid", Structured)
	p, err := decl.Parse("nx=4,ny=8")
	require.NoError(t, err)
	assert.Equal(t, []Field{{"nx", "4"}, {"ny", "8"}}, p.Fields)
	assert.Equal(t, "nx=4,ny=8", p.Arg())

	_, err = Declare("n", Numeric).Parse("NaN-ish")
	assert.Error(t, err)
	_, err = decl.Parse("nx")
	assert.Error(t, err)
	_, err = Declare("n", Numeric).Parse(" ")
	assert.Error(t, err)

	outs, err := NewContext(Declare("n", Numeric), Declare("out", URI))
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "out"}, outs.Names())
}

func TestContextOrderAndSet(t *testing.T) {
	n, _ := NewNumeric("n", "3")
	u, _ := NewURI("input", "file:///scratch/u1/in.dat")
	c, err := NewContext(NewString("mode", "fast"), n, u)
	require.NoError(t, err)

	assert.Error(t, c.Add(NewString("n", "dup")))
	require.NoError(t, c.Set(NewString("mode", "slow")))
	require.NoError(t, c.Set(NewString("extra", "x")))

	assert.Equal(t, []string{"mode", "n", "input", "extra"}, c.Names())
	assert.Equal(t, []string{"slow", "3", "file:///scratch/u1/in.dat", "x"}, c.Args())
	assert.Equal(t, 4, c.Len())
	got, ok := c.Get("input")
	assert.True(t, ok)
	assert.Equal(t, URI, got.Type)

	clone := c.Clone()
	assert.True(t, c.Equal(clone))
	clone.Set(NewString("mode", "other"))
	assert.False(t, c.Equal(clone))
}

func TestContextXMLRoundTrip(t *testing.T) {
	n, _ := NewNumeric("n", "3e2")
	c, err := NewContext(NewString("z", "last"), n, NewStructured("s", Field{"a", "1"}))
	require.NoError(t, err)

	b, err := c.MarshalXMLBytes()
	require.NoError(t, err)
	back, err := ParseXML(b)
	require.NoError(t, err)
	assert.True(t, c.Equal(back))
	assert.Equal(t, []string{"z", "n", "s"}, back.Names())

	_, err = ParseXML([]byte(`<parameters><parameter name="a" type="string"></parameter><parameter name="a" type="string"></parameter></parameters>`))
	assert.Error(t, err, "duplicate names")
}

func TestRoundTripIsExact(t *testing.T) {
	properties := gopter.NewProperties(nil)
	name := gen.Identifier()

	properties.Property("string parameters round-trip through XML", prop.ForAll(
		func(n, v string) bool {
			p := NewString(n, v)
			b, err := xml.Marshal(p)
			if err != nil {
				return false
			}
			var back ActualParameter
			return xml.Unmarshal(b, &back) == nil && p.Equal(back)
		},
		name, gen.AnyString(),
	))
	properties.Property("structured parameters round-trip through text", prop.ForAll(
		func(n, f, v string) bool {
			p := NewStructured(n, Field{f, v}, Field{f + "2", v + v})
			text, err := p.MarshalText()
			if err != nil {
				return false
			}
			var back ActualParameter
			return back.UnmarshalText(text) == nil && p.Equal(back)
		},
		name, name, gen.AnyString(),
	))
	properties.TestingRun(t)
}

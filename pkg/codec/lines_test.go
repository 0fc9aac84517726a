package codec

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReader_SkipsEmptyFragments(t *testing.T) {
	lr := NewLineReader(strings.NewReader("\n{\"a\":1}\n\n\r\n{\"b\":2}\n{\"c\":3}"), 0)

	var got []string
	for {
		line, err := lr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(line))
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, got)
}

func TestLineReader_DropsOversizedLine(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	lr := NewLineReader(strings.NewReader(big+"\nok\n"), 1024)

	_, err := lr.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err := lr.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(line))
}

func TestAppendLine(t *testing.T) {
	b, err := AppendLine(JSONLoose, map[string]string{"html": "<b>\n</b>"})
	require.NoError(t, err)
	assert.Equal(t, "{\"html\":\"<b>\\n</b>\"}\n", string(b))
}

func TestJSONStrict_RejectsUnknownAndTrailing(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	assert.Error(t, JSONStrict.Unmarshal([]byte(`{"a":1,"b":2}`), &v))
	assert.ErrorIs(t, JSONStrict.Unmarshal([]byte(`{"a":1} {}`), &v), ErrTrailingData)
	assert.NoError(t, JSONLoose.Unmarshal([]byte(`{"a":1,"b":2}`), &v))
	assert.Equal(t, 1, v.A)
}

func TestJSON_UntypedNumbersStayExact(t *testing.T) {
	var v map[string]any
	require.NoError(t, JSONLoose.Unmarshal([]byte(`{"id":9007199254740993}`), &v))
	assert.Equal(t, json.Number("9007199254740993"), v["id"])

	b, err := JSONLoose.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"id":9007199254740993}`, string(b))
}

package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestMarshalSortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(b))
}

func TestMarshalNested(t *testing.T) {
	b, err := Marshal(map[string]any{"x": map[string]any{"z": 10, "y": 5}})
	require.NoError(t, err)
	assert.Equal(t, `{"x":{"y":5,"z":10}}`, string(b))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, string(b))
}

func TestMarshalStructTags(t *testing.T) {
	type rec struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	b, err := Marshal(rec{Zed: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zed":"z"}`, string(b))
}

func TestHashMatchesCanonicalBytes(t *testing.T) {
	h, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, sha(`{"a":1,"b":2}`), h)
}

func TestHashInsensitiveToKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": []any{"x", "y"}})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": []any{"x", "y"}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{"a": map[string]any{"n": "1"}, "l": []any{"x"}}
	dup := Clone(orig).(map[string]any)

	dup["a"].(map[string]any)["n"] = "2"
	dup["l"].([]any)[0] = "y"

	assert.Equal(t, "1", orig["a"].(map[string]any)["n"])
	assert.Equal(t, "x", orig["l"].([]any)[0])
}

func TestToMapRoundTrip(t *testing.T) {
	type rec struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	}
	m, err := ToMap(rec{ID: "r1", Value: 12.5})
	require.NoError(t, err)
	assert.Equal(t, "r1", m["id"])
}

func TestHashStringsConcatenates(t *testing.T) {
	assert.Equal(t, sha("abcdef"), HashStrings("abc", "def"))
	assert.Equal(t, sha(""), HashStrings())
}

// Property: canonicalization is deterministic and key-order insensitive.
func TestCanonicalDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same object hashes identically", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			h1, err1 := Hash(obj)
			h2, err2 := Hash(Clone(obj))
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("marshal twice yields identical bytes", prop.ForAll(
		func(keys []string, n int64) bool {
			obj := make(map[string]any)
			for _, k := range keys {
				obj[k] = n
			}
			b1, err1 := Marshal(obj)
			b2, err2 := Marshal(obj)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
